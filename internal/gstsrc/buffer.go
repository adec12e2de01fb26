package gstsrc

/*
#cgo pkg-config: gstreamer-1.0
#include <gst/gst.h>

static void lumenera_stamp_buffer(GstBuffer *buf, guint64 offset, guint64 offset_end) {
	GST_BUFFER_DTS(buf) = GST_BUFFER_PTS(buf);
	GST_BUFFER_OFFSET(buf) = offset;
	GST_BUFFER_OFFSET_END(buf) = offset_end;
}
*/
import "C"

import (
	"unsafe"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/lucamsrc"
)

// newFrameBuffer wraps frame data in a buffer stamped with the frame
// clock: PTS and DTS, duration, and the frame index as offset and
// offset end.
func newFrameBuffer(frame *lumenerasrc.Frame) *gst.Buffer {
	buf := gst.NewBufferFromBytes(frame.Data)
	buf.SetPresentationTimestamp(frame.PTS)
	buf.SetDuration(frame.Duration)
	C.lumenera_stamp_buffer(
		(*C.GstBuffer)(unsafe.Pointer(buf.Instance())),
		C.guint64(frame.Offset),
		C.guint64(frame.OffsetEnd),
	)
	return buf
}
