// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdio

import "errors"

// ErrTransientBus signals a command, data CRC, or busy-wait failure that a
// caller may retry (§4.D's "transient bus error" class: a single dropped
// response, a CRC mismatch, a busy-wait timeout).
var ErrTransientBus = errors.New("sdio: transient bus error")

// ErrCardAbsent signals that a step of the initialization handshake
// (CMD0, CMD8, CMD59, ACMD41, CMD58 or CMD16) still failed after its
// retries; an empty socket fails at CMD0.
var ErrCardAbsent = errors.New("sdio: card not present")

// ErrNotInitialized is returned by Read/Write/PreErase before Init has
// completed successfully.
var ErrNotInitialized = errors.New("sdio: card not initialized")
