// Package ledgerv1 defines the ledger.v1.LedgerService wire contract.
//
// Messages are plain Go structs carried by a JSON codec registered under the
// "json" content subtype, so no code generation step is involved. Clients must
// send calls with grpc.CallContentSubtype(CodecName); NewLedgerServiceClient
// does this for every method.
package ledgerv1

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype served by this package.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(value any) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("ledgerv1 marshal %T: %w", value, err)
	}
	return payload, nil
}

func (jsonCodec) Unmarshal(data []byte, value any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("ledgerv1 unmarshal %T: %w", value, err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return CodecName
}
