// Package session orchestrates one QR scan at a time.
//
// A Controller ties the frame sampler, the decode loop, the identifier
// extractor and the purchase-order gateway together behind three entry
// points:
//
//   - Open / Close: live camera scan, stop on first decode
//   - ScanImage: decode a gallery image once
//   - AutoLookup: identifier already known from the page address
//
// All three feed the same extractor and gateway. Events are fanned out to
// registered Observers (journal, MQTT emitter, websocket hub).
package session
