// Package mqtt mirrors the run event stream to an MQTT broker so runs
// can be watched from dashboards and other agents.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a retained birth message ("online") to the status topic; a
// will message moves the topic to "offline" on unexpected disconnects.
//
// Topics, relative to the configured prefix:
//
//	{prefix}/status                  online | offline (retained)
//	{prefix}/runs/{run_id}/events    every bus event as JSON
//	{prefix}/last_run                run summary with token totals (retained)
package mqtt
