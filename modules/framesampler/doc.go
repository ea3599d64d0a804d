// Package framesampler owns the camera lifecycle for a scan session and
// exposes the most recent frame to the decode loop.
//
// # Lifecycle
//
//	sampler, _ := framesampler.NewSampler(backend, cfg)
//	h, err := sampler.Acquire(ctx, framesampler.Request{Facing: framesampler.FacingEnvironment})
//	if err != nil {
//	    // *MediaError: PermissionDenied, NoDeviceFound, Unsupported, DeviceError
//	}
//	defer sampler.Release(h) // always safe, even twice
//
//	frame, err := sampler.CurrentFrame(h) // ErrNotReady until the first frame
//
// # Latest frame only
//
// Backends publish into a single-slot mailbox. A new frame overwrites the
// previous one; frames nobody pulled are counted as drops. The decode loop
// therefore always decodes the freshest image and never works through a
// backlog.
//
// # Backends
//
//   - gstreamer: v4l2src/autovideosrc → videoconvert → videoscale → appsink (RGB)
//   - opencv: gocv.VideoCapture with BGR→RGB conversion
//
// # Static images
//
// LoadImage and FrameFromImage turn a gallery image into one frame with no
// lifecycle and nothing to release.
package framesampler
