package session

import (
	"context"
	"encoding/json"

	"github.com/mattsp1290/signalmesh/pkg/patch"
	"github.com/mattsp1290/signalmesh/pkg/transport"
	"github.com/mattsp1290/signalmesh/pkg/wire"
)

func encodeEstablishResponse(tag wire.Tag, name string, full json.RawMessage) (wire.Envelope, error) {
	if tag == wire.TagBidirectionalEstablishResponse {
		return wire.NewBidirectionalEstablishResponse(name, full)
	}
	return wire.NewServerSignalEstablishResponse(name, full)
}

func encodeUpdate(tag wire.Tag, name string, p patch.Patch) (wire.Envelope, error) {
	if tag == wire.TagBidirectionalUpdate {
		return wire.NewBidirectionalUpdate(name, p)
	}
	return wire.NewServerSignalUpdate(name, p)
}

func sendEnvelope(ctx context.Context, t transport.Transport, env wire.Envelope) error {
	raw, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	return t.Send(ctx, raw)
}
