// Package bridge coordinates the whole BLE to MQTT pipeline.
//
// The Bridge orchestrator owns the shared adapter scan, the advertisement
// bus and one Supervisor per configured device. Each supervisor runs its
// device's driver: passive drivers consume bus subscriptions, active
// drivers get a Session managing the connect/authenticate/ready lifecycle
// with capped exponential backoff and a global gate serializing connection
// establishment. The Publisher turns decoded states into retained MQTT
// messages with change suppression and routes inbound command topics back
// to device queues.
package bridge
