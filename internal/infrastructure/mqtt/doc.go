// Package mqtt wraps the Eclipse Paho client for the BLE bridge.
//
// It owns the topic scheme ({base}/{prefix}{address}/{entity}/state and
// .../set), the bridge availability LWT, subscription restoration across
// reconnects and panic recovery around message handlers. Components above
// this package depend on small interfaces (publish/subscribe) so tests can
// substitute fakes.
package mqtt
