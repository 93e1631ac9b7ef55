package oracle

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"vmfuzz/internal/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// BugTopic is the first topic of a log a contract emits to report a bug
// condition on its own.
var BugTopic = crypto.Keccak256Hash([]byte("TypedBug(string)"))

// TypedBug turns bug logs emitted by the program under test into findings.
type TypedBug struct {
	topic common.Hash
}

func NewTypedBug() *TypedBug { return &TypedBug{BugTopic} }

func (*TypedBug) Name() string { return "typed_bug" }

func (o *TypedBug) Check(_ context.Context, oc *Context) ([]Finding, error) {
	if oc.Result == nil {
		return nil, nil
	}
	var findings []Finding
	for _, log := range oc.Result.Logs {
		if len(log.Topics) == 0 || log.Topics[0] != o.topic {
			continue
		}
		findings = append(findings, Finding{
			BugIdx:      types.BugTyped,
			DedupKey:    crypto.Keccak256Hash(log.Data).Hex(),
			Description: fmt.Sprintf("%s reported: %s", log.Address.Hex(), printable(log.Data)),
		})
	}
	return findings, nil
}

func printable(data []byte) string {
	s := strings.TrimRight(string(data), "\x00")
	if utf8.ValidString(s) {
		return s
	}
	return common.Bytes2Hex(data)
}
