// Package mqtt connects the control plane to an MQTT broker.
//
// The broker is an optional side channel: fleet events broadcast to admin
// connections are mirrored to jukebox/events/<event>, device state is
// published retained under jukebox/devices/<token>/state, and building
// systems (fire panels, BMS) can request an emergency stop by publishing
// to jukebox/emergency/set.
//
// The client reconnects with exponential backoff, restores subscriptions
// after a reconnect, and registers a Last Will so subscribers see the
// control plane go offline.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	relay := mqtt.NewRelay(client, byte(cfg.MQTT.QoS), logger)
//	bus.SetMirror(relay)
package mqtt
