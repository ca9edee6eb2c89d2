// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import "testing"

func TestReserveAndRelease(t *testing.T) {
	r := NewRegion(4096)

	buf1, h1, err := r.Reserve(512, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf1) != 512 {
		t.Fatalf("len(buf1) = %d, want 512", len(buf1))
	}

	buf2, h2, err := r.Reserve(512, 4)
	if err != nil {
		t.Fatal(err)
	}

	buf1[0] = 0xAA
	buf2[0] = 0xBB
	if buf1[0] == buf2[0] {
		t.Fatal("reserved buffers overlap")
	}

	r.Release(h1)
	r.Release(h2)

	if got := r.Available(); got != 4096 {
		t.Fatalf("Available() = %d after releasing everything, want 4096", got)
	}
}

func TestReserveExhaustion(t *testing.T) {
	r := NewRegion(1024)

	if _, _, err := r.Reserve(1024, 1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Reserve(1, 1); err == nil {
		t.Fatal("expected exhaustion error")
	}
}
