package errors

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestErrorTable(t *testing.T) {
	Convey("Given the error table", t, func() {
		cases := []struct {
			err     *RpcError
			code    int
			message string
			status  int
		}{
			{ErrParse, -32700, "Parse Error", http.StatusInternalServerError},
			{ErrInvalidRequest, -32600, "Invalid Request", http.StatusBadRequest},
			{ErrMethodNotFound, -32601, "Method not found", http.StatusNotFound},
			{ErrInvalidParams, -32602, "Invalid Parameters", http.StatusInternalServerError},
			{ErrInternal, -32603, "Internal Error", http.StatusInternalServerError},
			{ErrTimeout, -32000, "Request Timeout", http.StatusRequestTimeout},
			{ErrUnknown, -32001, "Unknown Error", http.StatusInternalServerError},
		}

		Convey("Codes, messages and HTTP statuses should match exactly", func() {
			for _, c := range cases {
				So(c.err.Code, ShouldEqual, c.code)
				So(c.err.Message, ShouldEqual, c.message)
				So(HTTPStatus(c.err.Code), ShouldEqual, c.status)
			}
		})

		Convey("New should hand out copies", func() {
			copied := New(CodeTimeout)
			copied.Message = "changed"
			So(ErrTimeout.Message, ShouldEqual, "Request Timeout")
			So(New(42).Code, ShouldEqual, 42)
			So(New(42).Message, ShouldEqual, "Unknown Error")
		})
	})
}

func TestRpcErrorCopies(t *testing.T) {
	Convey("Given a table entry", t, func() {
		Convey("WithData should not touch the original", func() {
			withData := ErrInternal.WithData("boom")
			So(withData.Data, ShouldEqual, "boom")
			So(ErrInternal.Data, ShouldBeNil)
			So(errors.Is(withData, ErrInternal), ShouldBeTrue)
			So(errors.Is(withData, ErrInvalidParams), ShouldBeFalse)
		})

		Convey("WithMessagef should format a new message", func() {
			custom := ErrInvalidRequest.WithMessagef("bad %s", "shape")
			So(custom.Message, ShouldEqual, "bad shape")
			So(custom.Error(), ShouldEqual, "RPC error -32600: bad shape")
		})
	})
}

func TestRetry(t *testing.T) {
	Convey("Given a function that always fails", t, func() {
		attempts := 0
		remainders := []int{}
		cause := errors.New("connection refused")

		fn := func() error {
			attempts++
			return cause
		}

		Convey("When retried twice", func() {
			err := Retry(context.Background(), &RetryConfig{
				MaxAttempts:  2,
				InitialDelay: time.Millisecond,
			}, fn, func(remaining int, err error) {
				remainders = append(remainders, remaining)
			})

			Convey("It should try three times and return the original error", func() {
				So(attempts, ShouldEqual, 3)
				So(err, ShouldEqual, cause)
				So(remainders, ShouldResemble, []int{1, 0})
			})
		})

		Convey("When retried without a limit until cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())

			err := Retry(ctx, &RetryConfig{
				MaxAttempts:  -1,
				InitialDelay: time.Millisecond,
			}, fn, func(remaining int, err error) {
				So(remaining, ShouldEqual, -1)
				if attempts == 5 {
					cancel()
				}
			})

			Convey("It should keep going until the context ends", func() {
				So(attempts, ShouldEqual, 5)
				So(errors.Is(err, ErrConnectAborted), ShouldBeTrue)
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
			})
		})
	})

	Convey("Given a function that succeeds", t, func() {
		err := Retry(context.Background(), DefaultRetryConfig(), func() error { return nil }, nil)
		So(err, ShouldBeNil)
	})
}

func TestAggregate(t *testing.T) {
	Convey("Given several failures", t, func() {
		first := errors.New("first")
		err := NewError(first, nil, errors.New("second"), "while broadcasting")

		Convey("They should be reported together", func() {
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldEqual, "first\nsecond\nwhile broadcasting")
			So(errors.Is(err, first), ShouldBeTrue)
		})

		Convey("Nothing collected yields nil", func() {
			So(NewError(nil, "context only"), ShouldBeNil)
		})
	})
}
