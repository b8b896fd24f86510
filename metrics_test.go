package sipkit

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistration(t *testing.T) {
	e := newTestEndpoint(t)

	dc := NewDialogClient(e.client, e.contact("alice"))
	ds := NewDialogServer(e.client, e.contact("alice"))

	reg := prometheus.NewRegistry()
	RegisterMetrics(reg, e.ua, ds, dc)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(mfs))
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "sip_transaction_client_active")
	assert.Contains(t, names, "sip_transaction_server_active")
	assert.Contains(t, names, "sip_dialog_active")
}
