// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
)

const defaultSeed int64 = 1

func resolveSeed(seed int64) int64 {
	if seed != 0 {
		return seed
	}

	return defaultSeed
}

// deriveRunSeed spreads one base seed over cases and iterations so runs are
// independent but reproducible.
func deriveRunSeed(base int64, caseName string, iteration int) int64 {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d:%s:%d", base, caseName, iteration))

	return int64(binary.LittleEndian.Uint64(sum[:8])) //nolint:gosec // not cryptographic purpose
}

func newRand(seed int64, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), stream)) //nolint:gosec // not cryptographic purpose
}
