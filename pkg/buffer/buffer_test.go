package buffer

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestExtract(t *testing.T) {
	Convey("Given a buffer delimited by CRLF", t, func() {
		buf := New("\r\n")

		Convey("When two messages and a partial arrive in one chunk", func() {
			buf.Push([]byte(`{"id":1}` + "\r\n" + `{"id":2}` + "\r\n" + `{"id":`))

			Convey("Then both complete messages come out in order", func() {
				So(buf.IsFinished(), ShouldBeFalse)

				first, ok := buf.Extract()
				So(ok, ShouldBeTrue)
				So(string(first), ShouldEqual, `{"id":1}`)

				second, ok := buf.Extract()
				So(ok, ShouldBeTrue)
				So(string(second), ShouldEqual, `{"id":2}`)

				So(buf.IsFinished(), ShouldBeTrue)
				_, ok = buf.Extract()
				So(ok, ShouldBeFalse)
			})

			Convey("Then the partial completes once the rest arrives", func() {
				buf.Extract()
				buf.Extract()
				buf.Push([]byte("3}\r\n"))

				third, ok := buf.Extract()
				So(ok, ShouldBeTrue)
				So(string(third), ShouldEqual, `{"id":3}`)
			})
		})

		Convey("When a delimiter is split across chunks", func() {
			buf.Push([]byte(`{"a":1}` + "\r"))
			So(buf.IsFinished(), ShouldBeTrue)

			buf.Push([]byte("\n"))

			Convey("Then the message is extracted once the delimiter is whole", func() {
				msg, ok := buf.Extract()
				So(ok, ShouldBeTrue)
				So(string(msg), ShouldEqual, `{"a":1}`)
				So(buf.Len(), ShouldEqual, 0)
			})
		})
	})
}

func TestIsFinished(t *testing.T) {
	Convey("Given an empty buffer", t, func() {
		buf := New("\n")

		Convey("It should report finished", func() {
			So(buf.IsFinished(), ShouldBeTrue)
		})

		Convey("It should stay finished for undelimited data", func() {
			buf.Push([]byte(`{"partial":`))
			So(buf.IsFinished(), ShouldBeTrue)
			So(buf.Len(), ShouldEqual, 11)
		})
	})
}

func TestRemainder(t *testing.T) {
	Convey("Given a buffer holding an undelimited body", t, func() {
		buf := New("\n")
		buf.Push([]byte(`{"result":3,"id":1}`))

		Convey("When the remainder is flushed", func() {
			rest := buf.Remainder()

			Convey("Then it returns the body and empties the buffer", func() {
				So(string(rest), ShouldEqual, `{"result":3,"id":1}`)
				So(buf.Len(), ShouldEqual, 0)
				So(buf.IsFinished(), ShouldBeTrue)
			})
		})
	})

	Convey("Given a buffer without a delimiter", t, func() {
		buf := New("")
		buf.Push([]byte("abc"))

		Convey("Every push is one message", func() {
			So(buf.IsFinished(), ShouldBeFalse)
			msg, ok := buf.Extract()
			So(ok, ShouldBeTrue)
			So(string(msg), ShouldEqual, "abc")
			So(buf.IsFinished(), ShouldBeTrue)
		})
	})
}
