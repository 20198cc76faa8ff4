package state

import (
	"errors"

	"github.com/rzbill/correlator/internal/keys"
	"github.com/rzbill/correlator/internal/protocol"
)

// RequestRegistry maps a message key to the publish request waiting for its
// outcome (req/{messageKey}).
type RequestRegistry struct {
	tx Txn
}

func requestKey(messageKey int64) []byte {
	return keys.New(keys.CorrelationRequest).Int(messageKey).Bytes()
}

func (r *RequestRegistry) Record(messageKey int64, req protocol.RequestData) error {
	return setJSON(r.tx, requestKey(messageKey), req)
}

// Get returns the request recorded for the message, if any.
func (r *RequestRegistry) Get(messageKey int64) (protocol.RequestData, bool, error) {
	var req protocol.RequestData
	err := getJSON(r.tx, requestKey(messageKey), &req)
	if errors.Is(err, ErrNotFound) {
		return protocol.RequestData{}, false, nil
	}
	return req, err == nil, err
}

func (r *RequestRegistry) Remove(messageKey int64) error {
	return r.tx.Delete(requestKey(messageKey))
}

func (r *RequestRegistry) Exists(messageKey int64) (bool, error) {
	return r.tx.Has(requestKey(messageKey))
}
