// Package mqtt mirrors run progress onto an MQTT broker so an external
// dashboard can follow long-running agents across pauses.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. Every progress
// event is published to <prefix>/runs/<agent_kind>/<entity_id>/progress.
// Paused, complete and error events additionally update the retained
// <prefix>/runs/<agent_kind>/<entity_id>/status topic, so a subscriber
// that connects late still sees where each run stands. A will message
// flips <prefix>/availability to "offline" on unexpected disconnects.
package mqtt
