// Package retry schedules durable, bounded re-invocations of failed payments.
//
// Two independent Scheduler instances exist, one per Track: business declines
// (TrackPaymentFailure) and plugin or infrastructure faults (TrackPluginFailure).
// Each has its own Policy, so a card decline and a gateway outage can be retried
// on different schedules and with different attempt limits.
//
// ScheduleRetry returns false once the attempt number reaches the policy maximum;
// the caller then aborts the payment. A true result means the Notification has
// been written to a Queue. MemoryQueue is for tests and local runs; RedisQueue and
// the Postgres queue in pkg/storage/postgres survive restarts.
//
// A Poller claims due notifications on a cron schedule and hands them to the
// handler registered for their track. Handler errors release the notification
// for redelivery, so delivery is at-least-once.
package retry
