// Copyright 2017 Vector Creations Ltd
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

package routing

import (
	"encoding/json"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	fedapi "github.com/matrix-org/fedcore/federationapi/api"
	"github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/signing"
)

var (
	pduCountTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedcore",
			Subsystem: "federationapi",
			Name:      "recv_pdus",
			Help:      "Number of incoming PDUs from remote servers with labels for success",
		},
		[]string{"status"}, // 'success' or 'total'
	)
	eduCountTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fedcore",
			Subsystem: "federationapi",
			Name:      "recv_edus",
			Help:      "Number of incoming EDUs from remote servers",
		},
	)
	duplicateTxnTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fedcore",
			Subsystem: "federationapi",
			Name:      "recv_duplicate_transactions",
			Help:      "Number of transactions that were answered from the seen-transactions cache",
		},
	)
)

func init() {
	prometheus.MustRegister(
		pduCountTotal, eduCountTotal, duplicateTxnTotal,
	)
}

// sendHandler handles /send. A transaction that is sent again, because the
// origin did not see our answer, gets the first answer back instead of
// being processed twice.
type sendHandler struct {
	inputer  Inputer
	seen     *lru.Cache[string, fedapi.RespSend] // origin + txnID -> response
	inFlight singleflight.Group                  // origin + txnID
}

func newSendHandler(cfg *config.FederationAPI, inputer Inputer) *sendHandler {
	size := cfg.SeenTransactionsCacheSize
	if size <= 0 {
		size = 1024
	}
	seen, err := lru.New[string, fedapi.RespSend](size)
	if err != nil {
		logrus.WithError(err).Panic("failed to create seen transactions cache")
	}
	return &sendHandler{
		inputer: inputer,
		seen:    seen,
	}
}

// Send implements /_matrix/federation/v1/send/{txnID}
func (h *sendHandler) Send(
	httpReq *http.Request,
	request *signing.FederationRequest,
	txnID string,
) util.JSONResponse {
	if txnID == "" {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MissingParam("Missing transaction ID"),
		}
	}
	var txn fedapi.Transaction
	if err := json.Unmarshal(request.Content(), &txn); err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.NotJSON("The request body could not be decoded into valid JSON. " + err.Error()),
		}
	}
	// Transactions are limited in size; they can have at most 50 PDUs and 100 EDUs.
	// https://matrix.org/docs/spec/server_server/latest#transactions
	if len(txn.PDUs) > fedapi.MaxPDUsPerTransaction || len(txn.EDUs) > fedapi.MaxEDUsPerTransaction {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("max 50 pdus / 100 edus"),
		}
	}

	origin := request.Origin()
	key := string(origin) + "\x1f" + txnID
	if resp, ok := h.seen.Get(key); ok {
		duplicateTxnTotal.Inc()
		return util.JSONResponse{Code: http.StatusOK, JSON: resp}
	}

	logger := util.GetLogger(httpReq.Context()).WithFields(logrus.Fields{
		"origin": origin,
		"txn_id": txnID,
	})
	// A resend of a transaction that is still being processed waits for
	// the first one.
	v, err, _ := h.inFlight.Do(key, func() (interface{}, error) {
		pduCountTotal.WithLabelValues("total").Add(float64(len(txn.PDUs)))
		eduCountTotal.Add(float64(len(txn.EDUs)))
		if len(txn.EDUs) > 0 {
			logger.Debugf("Ignoring %d EDUs", len(txn.EDUs))
		}

		results, err := h.inputer.InputTransaction(httpReq.Context(), origin, txn.PDUs)
		if err != nil {
			return nil, err
		}
		resp := fedapi.RespSend{PDUs: make(map[string]fedapi.PDUResult, len(results))}
		for eventID, result := range results {
			switch r := result.(type) {
			case api.Rejected:
				errString := "rejected"
				if r.Reason != nil {
					errString = r.Reason.Error()
				}
				resp.PDUs[eventID] = fedapi.PDUResult{Error: errString}
			default:
				pduCountTotal.WithLabelValues("success").Inc()
				resp.PDUs[eventID] = fedapi.PDUResult{}
			}
		}
		h.seen.Add(key, resp)
		return resp, nil
	})
	if err != nil {
		// Not remembered, so that the origin's retry is processed again.
		logger.WithError(err).Error("Failed to process transaction")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	logger.Debugf("Processed transaction with %d PDUs", len(txn.PDUs))
	return util.JSONResponse{Code: http.StatusOK, JSON: v.(fedapi.RespSend)}
}
