/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/blacktop/go-microvm"
)

var tags = []microvm.Tag{
	microvm.TagVoid, microvm.TagI32, microvm.TagU32, microvm.TagI64, microvm.TagU64,
	microvm.TagF32, microvm.TagF64, microvm.TagBool, microvm.TagString, microvm.TagBytes,
}

func parseTag(name string) (microvm.Tag, error) {
	for _, t := range tags {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown type %q", name)
}

// parseArg parses a TYPE:VALUE guest function argument. Bytes are hex.
func parseArg(s string) (any, error) {
	typ, val, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("argument %q is not TYPE:VALUE", s)
	}
	tag, err := parseTag(typ)
	if err != nil {
		return nil, err
	}
	switch tag {
	case microvm.TagI32:
		n, err := strconv.ParseInt(val, 0, 32)
		return int32(n), err
	case microvm.TagU32:
		n, err := strconv.ParseUint(val, 0, 32)
		return uint32(n), err
	case microvm.TagI64:
		return strconv.ParseInt(val, 0, 64)
	case microvm.TagU64:
		return strconv.ParseUint(val, 0, 64)
	case microvm.TagF32:
		f, err := strconv.ParseFloat(val, 32)
		return float32(f), err
	case microvm.TagF64:
		return strconv.ParseFloat(val, 64)
	case microvm.TagBool:
		return strconv.ParseBool(val)
	case microvm.TagString:
		return val, nil
	case microvm.TagBytes:
		return hex.DecodeString(val)
	default:
		return nil, fmt.Errorf("%s is not an argument type", tag)
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "(void)"
	case []byte:
		return hex.EncodeToString(x)
	case string:
		return strconv.Quote(x)
	default:
		return fmt.Sprint(x)
	}
}
