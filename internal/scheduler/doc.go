// Package scheduler runs the periodic maintenance jobs of tipwatch (tip menu
// refresh, alert history pruning) on robfig/cron.
//
// Schedules are cron expressions ("0 */6 * * *", "@daily", "@every 6h"),
// Go durations ("6h") or HH:MM intervals ("06:00" = every six hours). A job
// still running when its next tick fires is skipped.
package scheduler
