// Package incident provides the business boundary for incidentd. It defines
// the Incident model, the Store interface (persistence), the Engine (alert
// correlation and dedup), the Lifecycle controller (manual status changes),
// and the Service facade the HTTP layer talks to.
package incident
