package control

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/multierr"

	"github.com/e7canasta/lucamsrc"
)

// PropertyUpdate is the typed form of set_properties params. Nil fields
// are left unchanged.
type PropertyUpdate struct {
	MaxFrameRate *float64 `mapstructure:"maxframerate"`
	Exposure     *float64 `mapstructure:"exposure"`
	Gain         *int     `mapstructure:"gain"`
	RedGain      *float64 `mapstructure:"rgain"`
	GreenGain    *float64 `mapstructure:"ggain"`
	BlueGain     *float64 `mapstructure:"bgain"`
	HFlip        *bool    `mapstructure:"hflip"`
	VFlip        *bool    `mapstructure:"vflip"`
	WhiteBalance *string  `mapstructure:"whitebalance"`
}

// DecodePropertyUpdate decodes params, accepting numbers and booleans sent
// as strings. Unknown keys are an error.
func DecodePropertyUpdate(params map[string]any) (PropertyUpdate, error) {
	var u PropertyUpdate
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &u,
	})
	if err != nil {
		return PropertyUpdate{}, err
	}
	if err := dec.Decode(params); err != nil {
		return PropertyUpdate{}, fmt.Errorf("control: invalid params: %w", err)
	}
	return u, nil
}

type namedValue struct {
	name  string
	value any
}

// fields lists the set fields in application order. The frame rate
// ceiling precedes exposure; white balance runs last, on the new gains.
func (u PropertyUpdate) fields() []namedValue {
	var out []namedValue
	if u.MaxFrameRate != nil {
		out = append(out, namedValue{"maxframerate", *u.MaxFrameRate})
	}
	if u.Exposure != nil {
		out = append(out, namedValue{"exposure", *u.Exposure})
	}
	if u.Gain != nil {
		out = append(out, namedValue{"gain", *u.Gain})
	}
	if u.RedGain != nil {
		out = append(out, namedValue{"rgain", *u.RedGain})
	}
	if u.GreenGain != nil {
		out = append(out, namedValue{"ggain", *u.GreenGain})
	}
	if u.BlueGain != nil {
		out = append(out, namedValue{"bgain", *u.BlueGain})
	}
	if u.HFlip != nil {
		out = append(out, namedValue{"hflip", *u.HFlip})
	}
	if u.VFlip != nil {
		out = append(out, namedValue{"vflip", *u.VFlip})
	}
	if u.WhiteBalance != nil {
		out = append(out, namedValue{"whitebalance", *u.WhiteBalance})
	}
	return out
}

// Apply writes every set field to store. All fields are attempted; the
// returned error combines the failures.
func (u PropertyUpdate) Apply(store lumenerasrc.PropertyStore) (applied []string, err error) {
	for _, f := range u.fields() {
		if serr := store.SetProperty(f.name, f.value); serr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", f.name, serr))
			continue
		}
		applied = append(applied, f.name)
	}
	return applied, err
}

// toMap flattens a report struct into a map keyed by its json tags.
func toMap(v any) (map[string]any, error) {
	out := map[string]any{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &out,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(v); err != nil {
		return nil, err
	}
	return out, nil
}
