package shm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"taskfarm/errs"
)

func TestChannel(t *testing.T) {
	Convey("Given a freshly created channel", t, func() {
		dir := filepath.Join(t.TempDir(), "comm")
		inv, err := Create(dir, 64)
		So(err, ShouldBeNil)
		defer inv.Close()

		Convey("It starts idle with all files laid out", func() {
			So(inv.Stage(), ShouldEqual, StageIdle)
			So(inv.Capacity(), ShouldEqual, 64)
			for _, name := range append(regionFiles[:], flagsFile) {
				_, err := os.Stat(filepath.Join(dir, name))
				So(err, ShouldBeNil)
			}
		})

		Convey("A second mapping sees frames and flags written by the first", func() {
			coord, err := Open(dir)
			So(err, ShouldBeNil)
			defer coord.Close()

			So(inv.Write(RegionTask, 1, []byte("square")), ShouldBeNil)
			inv.SetStage(StageTaskReady)

			So(coord.Stage(), ShouldEqual, StageTaskReady)
			flag, payload, err := coord.Read(RegionTask)
			So(err, ShouldBeNil)
			So(flag, ShouldEqual, byte(1))
			So(string(payload), ShouldEqual, "square")

			coord.SetCoordinatorPID(os.Getpid())
			So(inv.CoordinatorPID(), ShouldEqual, os.Getpid())
		})

		Convey("Each write overwrites the previous frame", func() {
			So(inv.Write(RegionResult, 0, []byte("a much longer payload")), ShouldBeNil)
			So(inv.Write(RegionResult, 1, []byte("short")), ShouldBeNil)
			flag, payload, err := inv.Read(RegionResult)
			So(err, ShouldBeNil)
			So(flag, ShouldEqual, byte(1))
			So(string(payload), ShouldEqual, "short")
		})

		Convey("An empty frame reads back empty", func() {
			So(inv.Write(RegionTask, 0, nil), ShouldBeNil)
			_, payload, err := inv.Read(RegionTask)
			So(err, ShouldBeNil)
			So(payload, ShouldHaveLength, 0)
		})

		Convey("Payloads that do not fit beside the header are rejected", func() {
			So(inv.Write(RegionInput, 0, make([]byte, 64-HeaderSize)), ShouldBeNil)
			err := inv.Write(RegionInput, 0, make([]byte, 64-HeaderSize+1))
			So(errs.Is(err, errs.BufferTooSmallError), ShouldBeTrue)
			So(errs.Is(err, errs.ConfigError), ShouldBeTrue)
		})

		Convey("Await returns once the peer advances the flag", func() {
			setter := make(chan struct{})
			go func() {
				defer close(setter)
				time.Sleep(5 * time.Millisecond)
				inv.SetStage(StageResultsReady)
			}()
			s, err := inv.AwaitOneOf(context.Background(), nil, StageResultsReady, StageStreamDone)
			<-setter
			So(err, ShouldBeNil)
			So(s, ShouldEqual, StageResultsReady)
		})

		Convey("Closing the channel wakes a waiter with ClosedError", func() {
			coord, err := Open(dir)
			So(err, ShouldBeNil)

			waited := make(chan error, 1)
			go func() {
				_, err := coord.AwaitOneOf(context.Background(), nil, StageReleased)
				waited <- err
			}()
			time.Sleep(5 * time.Millisecond)
			So(coord.Close(), ShouldBeNil)

			select {
			case err := <-waited:
				So(errs.Is(err, errs.ClosedError), ShouldBeTrue)
			case <-time.After(time.Second):
				So("waiter still blocked", ShouldBeEmpty)
			}
			So(coord.Stage(), ShouldEqual, StageIdle)
			So(coord.CoordinatorPID(), ShouldEqual, 0)
			coord.SetStage(StageTaskReady)
			So(inv.Stage(), ShouldEqual, StageIdle)
		})

		Convey("Await gives up when the peer is gone", func() {
			_, err := inv.AwaitAtLeast(context.Background(), func() bool { return false }, StageResultsReady)
			So(errs.Is(err, errs.PeerExitedError), ShouldBeTrue)
		})

		Convey("Await prefers a flag set just before the peer exited", func() {
			inv.SetStage(StageReleased)
			s, err := inv.AwaitAtLeast(context.Background(), func() bool { return false }, StageReleased)
			So(err, ShouldBeNil)
			So(s, ShouldEqual, StageReleased)
		})

		Convey("Await honours cancellation", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()
			_, err := inv.AwaitAtLeast(ctx, nil, StageReleased)
			So(err, ShouldEqual, context.DeadlineExceeded)
		})

		Convey("A closed channel refuses further use", func() {
			So(inv.Close(), ShouldBeNil)
			So(inv.Close(), ShouldBeNil)
			err := inv.Write(RegionTask, 0, nil)
			So(errs.Is(err, errs.ClosedError), ShouldBeTrue)
		})
	})

	Convey("Creating a channel smaller than its header fails", t, func() {
		_, err := Create(t.TempDir(), HeaderSize)
		So(errs.Is(err, errs.ConfigError), ShouldBeTrue)
	})
}

func TestPIDAlive(t *testing.T) {
	Convey("PIDAlive", t, func() {
		So(PIDAlive(os.Getpid()), ShouldBeTrue)
		So(PIDAlive(0), ShouldBeTrue)
		// pid_max on linux never reaches this
		So(PIDAlive(1<<30), ShouldBeFalse)
	})
}

func TestStageString(t *testing.T) {
	Convey("Stages print by name", t, func() {
		So(StageStreamDone.String(), ShouldEqual, "stream-done")
		So(Stage(42).String(), ShouldEqual, "stage(42)")
		So(Stage(42).Valid(), ShouldBeFalse)
	})
}
