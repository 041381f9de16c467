// Package transport carries bundles and reply archives between a peer and the
// render service over a websocket.
//
// Frames are JSON text messages:
//
//	server → peer  {"type":"handshake","reply_key":"<hex>"}
//	peer → server  {"type":"entry","path":"…","data":"<base64>"}
//	peer → server  {"type":"commit"}
//	server → peer  {"type":"entry","path":"…","data":"<base64>","sig":"<base64>"}
//	server → peer  {"type":"commit"}
//
// After the reply archive is delivered the server closes with 1000. A failed
// job closes with 1011 and the error as reason, without any entries.
package transport
