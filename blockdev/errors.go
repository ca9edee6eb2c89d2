// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package blockdev

import "errors"

// ErrExists is returned by Open when FlagCreate|FlagExclusive is requested
// for a name that already has a directory entry.
var ErrExists = errors.New("blockdev: file exists")

// ErrNotExists is returned by Open when a name has no directory entry and
// FlagCreate was not requested.
var ErrNotExists = errors.New("blockdev: no such file")

// ErrParam is returned by Ioctl for an unknown command, mirroring diskio's
// RES_PARERR. Sector addresses are not range-checked.
var ErrParam = errors.New("blockdev: invalid parameter")

// ErrNotMounted is returned by filesystem operations performed before
// Mount or after Unmount.
var ErrNotMounted = errors.New("blockdev: not mounted")

// ErrNoSpace is returned by Open when every directory entry is in use;
// file writes do not return it.
var ErrNoSpace = errors.New("blockdev: device full")
