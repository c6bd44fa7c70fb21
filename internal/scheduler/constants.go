package scheduler

import "github.com/robfig/cron/v3"

const (
	// cronFields accepts the standard 5-field layout plus the calendar
	// descriptors (@yearly, @monthly, @weekly, @daily, @hourly)
	cronFields = cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

	// intervalDescriptor is parsed by cron.Descriptor but is not a calendar
	// pattern, so it is rejected
	intervalDescriptor = "@every"

	// timezonePrefix is understood by the cron parser to bind a location
	timezonePrefix = "CRON_TZ="
)
