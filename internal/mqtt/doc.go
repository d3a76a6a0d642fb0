// Package mqtt publishes the bridge's alert state to a broker as Home
// Assistant MQTT discovery entities: a safety binary_sensor for the
// alert flag plus sensors for the last report id and warning count.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. The will message
// ("offline", retained) is registered in the client config before the
// first connect, so the broker itself flips the availability topic if
// the bridge dies ungracefully. On every (re-)connect the publisher
// emits retained discovery configs, a birth message ("online"), and
// the latest known state snapshot.
//
// State publishes are de-duplicated against the last snapshot actually
// sent: this is a status board, not an event log, so only the newest
// state matters and redundant retained publishes are suppressed.
package mqtt
