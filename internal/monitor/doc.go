// Package monitor runs one polling loop per watched room.
//
// A Monitor owns its room's credential bundle and room.State. Each iteration
// fetches the feed once, classifies unseen messages, hands alerts to the
// sink and runs a status check when one is due. The Supervisor keeps at
// most one running Monitor per room id, persists the running flag and
// applies identity corrections through the Registry.
package monitor
