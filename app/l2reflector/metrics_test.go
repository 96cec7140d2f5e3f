package l2reflector_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"github.com/usnistgov/l2reflector/hw/hwsim"
)

func gatherValues(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	_, require := makeAR(t)
	families, e := reg.Gather()
	require.NoError(e)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				if lp.GetName() != "device" {
					key += "," + lp.GetName() + "=" + lp.GetValue()
				}
			}
			switch {
			case m.GetCounter() != nil:
				values[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[key] = m.GetGauge().GetValue()
			}
		}
	}
	return values
}

func TestMetrics(t *testing.T) {
	assert, require := makeAR(t)
	drv, c := newCoordinator(t)
	reg := prometheus.NewRegistry()
	require.NoError(reg.Register(c.Collector()))

	drv.FailAt(hwsim.OpCreateRQ, 1, hwdrv.ErrDriver)
	require.Error(c.Provision())
	require.NoError(c.Provision())

	values := gatherValues(t, reg)
	assert.EqualValues(2, values["l2reflector_provisions_total"])
	assert.EqualValues(1, values["l2reflector_provision_failures_total,category=driver"])
	assert.EqualValues(1, values["l2reflector_provisioned"])
	assert.EqualValues(0, values["l2reflector_running"])
	assert.EqualValues(2, values["l2reflector_resources,kind=queue-set"])
	assert.EqualValues(2, values["l2reflector_resources,kind=pipeline"])

	drv.FailAt(hwsim.OpDestroyMkey, 1, hwdrv.ErrDriver)
	require.Error(c.Teardown())
	values = gatherValues(t, reg)
	assert.EqualValues(0, values["l2reflector_provisioned"])
	assert.GreaterOrEqual(values["l2reflector_teardown_errors_total"], 1.0)
}
