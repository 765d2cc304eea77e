// Copyright 2021 - 2022 The Teiid-Go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/XuQianJin-Stars/teiid/pkg/config"
	"github.com/XuQianJin-Stars/teiid/pkg/storage"
)

func newReserveManager(t *testing.T, maxReserveKB int) *BufferManager {
	t.Helper()
	cfg := config.Default()
	cfg.MaxReserveKB = maxReserveKB
	sm, err := storage.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := New(cfg, sm)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgr.Close)
	return mgr
}

func TestReservationSemantics(t *testing.T) {
	ctx := context.Background()

	Convey("with a 1024 KB pool", t, func() {
		mgr := newReserveManager(t, 1024)

		Convey("NO_WAIT grants what is free", func() {
			got, err := mgr.ReserveBuffers(ctx, 600, ReserveNoWait)
			So(err, ShouldBeNil)
			So(got, ShouldEqual, 600)

			got, err = mgr.ReserveBuffers(ctx, 600, ReserveNoWait)
			So(err, ShouldBeNil)
			So(got, ShouldEqual, 424)

			got, err = mgr.ReserveBuffers(ctx, 600, ReserveNoWait)
			So(err, ShouldBeNil)
			So(got, ShouldEqual, 0)

			mgr.ReleaseBuffers(1024)
			So(mgr.ReserveBatchKB(), ShouldEqual, 1024)
		})

		Convey("FORCE drives the pool negative", func() {
			got, err := mgr.ReserveBuffers(ctx, 2048, ReserveForce)
			So(err, ShouldBeNil)
			So(got, ShouldEqual, 2048)
			So(mgr.ReserveBatchKB(), ShouldEqual, -1024)

			mgr.ReleaseBuffers(2048)
			So(mgr.ReserveBatchKB(), ShouldEqual, 1024)
		})

		Convey("WAIT backs off progressively on a contended pool", func() {
			_, err := mgr.ReserveBuffers(ctx, 1024, ReserveNoWait)
			So(err, ShouldBeNil)

			// The halving backoff degrades the request until it can be
			// satisfied from whatever is available.
			start := time.Now()
			got, err := mgr.ReserveBuffers(ctx, 512, ReserveWait)
			So(err, ShouldBeNil)
			So(got, ShouldEqual, 0)
			So(time.Since(start), ShouldBeLessThan, 5*time.Second)
			mgr.ReleaseBuffers(1024)
		})

		Convey("WAIT is interruptible", func() {
			_, err := mgr.ReserveBuffers(ctx, 1024, ReserveNoWait)
			So(err, ShouldBeNil)

			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			_, err = mgr.ReserveBuffers(cancelled, 512, ReserveWait)
			So(err, ShouldNotBeNil)
			mgr.ReleaseBuffers(1024)
		})

		Convey("a release wakes waiters promptly", func() {
			_, err := mgr.ReserveBuffers(ctx, 1024, ReserveNoWait)
			So(err, ShouldBeNil)

			done := make(chan int, 1)
			go func() {
				got, _ := mgr.ReserveBuffers(ctx, 256, ReserveWait)
				done <- got
			}()
			time.Sleep(20 * time.Millisecond)
			mgr.ReleaseBuffers(1024)

			select {
			case got := <-done:
				So(got, ShouldEqual, 256)
			case <-time.After(2 * time.Second):
				t.Fatal("waiter was not woken by the release")
			}
		})
	})
}

func TestReservationFairness(t *testing.T) {
	// 8 workers against a 64 MiB pool, 16 MiB each.
	const (
		poolKB    = 64 * 1024
		requestKB = 16 * 1024
		workers   = 8
	)
	mgr := newReserveManager(t, poolKB)
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(30 * time.Second)
			for {
				got, err := mgr.ReserveBuffers(ctx, requestKB, ReserveWait)
				if err != nil {
					errs <- err
					return
				}
				if got == requestKB {
					time.Sleep(5 * time.Millisecond)
					mgr.ReleaseBuffers(got)
					return
				}
				// Partial grant; hand it back and retry.
				mgr.ReleaseBuffers(got)
				if time.Now().After(deadline) {
					errs <- context.DeadlineExceeded
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("worker failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Fatalf("reservations took too long: %v", elapsed)
	}
	if mgr.ReserveBatchKB() != poolKB {
		t.Fatalf("pool not fully restored: %d", mgr.ReserveBatchKB())
	}
}
