// Package capture acquires video frames from a camera, URL, or file through
// the OpenCV bindings, on a dedicated worker goroutine.
//
// The worker runs a staged connect sequence (prepare, open, configure, first
// frame) with an enforced connect timeout, then a continuous read loop with
// per-frame timeout handling. The whole sequence sits inside a bounded outer
// retry loop; streaming hiccups are recovered in place (reopen on timeout, a
// few consecutive read retries) without consuming retry budget.
//
// # Quick start
//
//	events := capture.NewChannelEvents(10)
//	mgr := capture.NewManager(capture.Config{}, nil, events, slog.Default())
//	mgr.Start(capture.Request{
//	    Source:  capture.Source{DeviceID: 0},
//	    Width:   1280,
//	    Height:  720,
//	    FPS:     30,
//	    Backend: capture.BackendAuto,
//	})
//	defer mgr.Stop()
//
//	for frame := range events.Frames() {
//	    // frame.Data is interleaved RGB24, frame.Width x frame.Height
//	    process(frame)
//	}
//
// Connection lifecycle is reported through the same sink: status text,
// 0-100 progress through fixed stage weights, connected(true) once the
// first frame is read, connected(false) plus a final error when the retry
// budget runs out.
//
// # Guarantees
//
//   - Start returns immediately; success/failure arrives as events
//   - Stop is idempotent, wakes any throttle sleep, and joins the worker
//     within a bounded grace period, force-releasing the device if a
//     native call is wedged
//   - every opened session is released exactly once, on all exit paths
//   - events are delivered without blocking the worker; a lagging
//     consumer loses frames, never delays capture
package capture
