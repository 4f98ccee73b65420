// Copyright 2019 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bitmask

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSingleGroup(t *testing.T) {
	m, err := Parse("f", 4)
	require.NoError(t, err)
	require.True(t, m.Test(0))
	require.True(t, m.Test(1))
	require.True(t, m.Test(2))
	require.True(t, m.Test(3))
	require.False(t, m.Test(4))
}

func TestParseMultiGroup(t *testing.T) {
	m, err := Parse("1,00000003", 8)
	require.NoError(t, err)
	require.True(t, m.Test(0))
	require.True(t, m.Test(1))
	require.True(t, m.Test(32))
	require.False(t, m.Test(2))
	require.False(t, m.Test(33))
}

func TestParseCaseInsensitive(t *testing.T) {
	lower, err := Parse("ff", 4)
	require.NoError(t, err)
	upper, err := Parse("FF", 4)
	require.NoError(t, err)
	require.Equal(t, []byte(lower), []byte(upper))
}

func TestParseTrailingWhitespace(t *testing.T) {
	m, err := Parse("1\n", 4)
	require.NoError(t, err)
	require.True(t, m.Test(0))
}

func TestParseTrailingComma(t *testing.T) {
	m, err := Parse("1,", 4)
	require.NoError(t, err)
	require.True(t, m.Test(0))
}

func TestParseCommaOnlyFails(t *testing.T) {
	_, err := Parse(",,,", 4)
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestParseEmptyFails(t *testing.T) {
	_, err := Parse("", 4)
	require.Error(t, err)
}

func TestParseInvalidCharacter(t *testing.T) {
	_, err := Parse("zz", 4)
	require.Error(t, err)
}

func TestParseZeroesMaskOnFailure(t *testing.T) {
	m := New(4)
	m.Set(0)
	err := parseInto("zz", m)
	require.Error(t, err)
	require.Equal(t, 0, m.Count())
}

func TestFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"1", "f", "ffffffff", "1,00000000", "3,00000001"} {
		m, err := Parse(s, 8)
		require.NoError(t, err)
		require.Equal(t, s, Format(m))
	}
}

func TestSetOutOfRangeIgnored(t *testing.T) {
	m := New(1)
	m.Set(100)
	require.Equal(t, 0, m.Count())
	require.False(t, m.Test(100))
	require.False(t, m.Test(-1))
}

func TestCount(t *testing.T) {
	m, err := Parse("ff", 4)
	require.NoError(t, err)
	require.Equal(t, 8, m.Count())
}

func TestUnion(t *testing.T) {
	a, _ := Parse("1", 4)
	b, _ := Parse("2", 4)
	a.Union(b)
	require.True(t, a.Test(0))
	require.True(t, a.Test(1))
}

func TestCopyTo(t *testing.T) {
	a, _ := Parse("ff", 4)
	b := New(4)
	a.CopyTo(b)
	require.Equal(t, []byte(a), []byte(b))
}

func TestZero(t *testing.T) {
	m, _ := Parse("ff", 4)
	m.Zero()
	require.Equal(t, 0, m.Count())
}
