// Package decodeloop samples the current camera frame on a fixed cadence and
// hands it to a symbol decoder until the first symbol is found.
//
// The loop never blocks the frame producer: it pulls the latest frame from a
// FrameSource (usually a *framesampler.Sampler) on every tick, skips frames it
// has already seen, and stops itself before reporting the decoded payload.
//
// Usage:
//
//	loop, err := decodeloop.New(sampler, decodeloop.NewQRDecoder(decodeloop.QROptions{}), decodeloop.Config{})
//	if err != nil {
//		return err
//	}
//	loop.Start(ctx, handle, decodeloop.Callbacks{
//		OnDecoded: func(payload string) { ... },
//		OnSuspend: func(err error) { ... },
//	})
//	defer loop.Stop()
package decodeloop
