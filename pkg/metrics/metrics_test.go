package metrics

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestNew(t *testing.T) {
	Convey("When creating a new metrics instance", t, func() {
		m := New()
		Convey("Then it should not be nil", func() {
			So(m, ShouldNotBeNil)
		})
	})
}

func TestRecordConnection(t *testing.T) {
	Convey("Given a metrics instance", t, func() {
		m := New()
		m.RecordConnection(true, time.Second)
		m.RecordConnection(false, time.Second)
		Convey("Then connection stats are recorded", func() {
			So(m.TotalConnections, ShouldEqual, 2)
			So(m.FailedConnections, ShouldEqual, 1)
		})
	})
}

func TestRecordMessages(t *testing.T) {
	Convey("Given a metrics instance", t, func() {
		m := New()
		m.RecordMessageIn(false)
		m.RecordMessageIn(true)
		m.RecordMessageOut()
		m.RecordTimeout()
		m.RecordUnmatched()
		m.RecordParseError()
		Convey("Then message counters update", func() {
			So(m.MessagesIn, ShouldEqual, 2)
			So(m.Notifications, ShouldEqual, 1)
			So(m.MessagesOut, ShouldEqual, 1)
			So(m.Timeouts, ShouldEqual, 1)
			So(m.Unmatched, ShouldEqual, 1)
			So(m.ParseErrors, ShouldEqual, 1)
		})
	})
}

func TestGetMetrics(t *testing.T) {
	Convey("Given a metrics instance with data", t, func() {
		m := New()
		m.RecordConnection(true, time.Second)
		m.RecordEvent(false, time.Second, time.Second)
		m.RecordReconnection()
		metrics := m.GetMetrics()
		Convey("Then returned metrics reflect counts", func() {
			So(metrics["total_connections"], ShouldEqual, int64(1))
			So(metrics["total_events"], ShouldEqual, int64(1))
			So(metrics["reconnections"], ShouldEqual, int64(1))
			So(metrics["avg_event_latency"], ShouldEqual, 1.0)
		})
	})

	Convey("Given an empty metrics instance", t, func() {
		metrics := New().GetMetrics()
		Convey("Then averages are zero rather than NaN", func() {
			So(metrics["avg_event_latency"], ShouldEqual, 0.0)
		})
	})
}

func TestReset(t *testing.T) {
	Convey("Given a populated metrics instance", t, func() {
		m := New()
		m.RecordConnection(true, time.Second)
		m.RecordEvent(false, time.Second, time.Second)
		m.RecordReconnection()
		m.RecordTimeout()
		m.Reset()
		Convey("Then all values are cleared", func() {
			So(m.TotalConnections, ShouldEqual, 0)
			So(m.Reconnections, ShouldEqual, 0)
			So(m.TotalEvents, ShouldEqual, 0)
			So(m.Timeouts, ShouldEqual, 0)
		})
	})
}
