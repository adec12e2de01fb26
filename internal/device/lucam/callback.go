//go:build lucam

package lucam

/*
#include <lucamapi.h>
*/
import "C"

import (
	"unsafe"

	pointer "github.com/mattn/go-pointer"

	"github.com/e7canasta/lucamsrc/internal/device"
)

// lucamFrameCallback is invoked by the SDK on its streaming thread. The
// frame memory belongs to the SDK and is only valid during the call.
//
//export lucamFrameCallback
func lucamFrameCallback(context unsafe.Pointer, data *C.BYTE, length C.ULONG) {
	fn, ok := pointer.Restore(context).(device.FrameFunc)
	if !ok || fn == nil || data == nil {
		return
	}
	fn(unsafe.Slice((*byte)(unsafe.Pointer(data)), int(length)))
}
