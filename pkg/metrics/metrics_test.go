package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with default options on a private registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithPrometheusRegistry(registry))

			Convey("Then it should be created with the fedlab namespace", func() {
				So(manager, ShouldNotBeNil)
				So(manager.namespace, ShouldEqual, "fedlab")
				So(manager.subsystem, ShouldEqual, "fl")
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{0.1, 0.5, 1.0}),
				WithPrometheusRegistry(registry),
			)
			manager.roundsTotal.WithLabelValues(RoundCompleted).Inc()

			Convey("Then metric names carry the custom prefix", func() {
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				found := false
				for _, f := range families {
					if f.GetName() == "test_unit_rounds_total" {
						found = true
					}
				}
				So(found, ShouldBeTrue)
			})
		})

		Convey("When empty options are given", func() {
			manager := NewManager(WithNamespace(""), WithHistogramBuckets(nil), WithPrometheusRegistry(prometheus.NewRegistry()))

			Convey("Then defaults are kept", func() {
				So(manager.namespace, ShouldEqual, "fedlab")
				So(manager.histogramBuckets, ShouldResemble, prometheus.DefBuckets)
			})
		})
	})
}

func TestRoundRecording(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When recording a completed round", func() {
			before := testutil.ToFloat64(globalManager.roundsTotal.WithLabelValues(RoundCompleted))
			err := RecordRound(RoundCompleted, 1.5)

			Convey("Then the counter advances", func() {
				So(err, ShouldBeNil)
				So(testutil.ToFloat64(globalManager.roundsTotal.WithLabelValues(RoundCompleted)), ShouldEqual, before+1)
			})
		})

		Convey("When recording an unknown status", func() {
			err := RecordRound("exploded", 0)

			Convey("Then it is rejected", func() {
				So(errors.Is(err, ErrUnknownStatus), ShouldBeTrue)
			})
		})

		Convey("When recording aggregates and the best model", func() {
			RecordAggregate(0.8, 0.75, 12)
			RecordBestModelSaved(3, 0.8)

			Convey("Then the gauges reflect the values", func() {
				So(testutil.ToFloat64(globalManager.aggregatedLoss), ShouldEqual, 0.8)
				So(testutil.ToFloat64(globalManager.aggregatedAccuracy), ShouldEqual, 0.75)
				So(testutil.ToFloat64(globalManager.aggregatedMisclassified), ShouldEqual, 12)
				So(testutil.ToFloat64(globalManager.bestRound), ShouldEqual, 3)
				So(testutil.ToFloat64(globalManager.bestLoss), ShouldEqual, 0.8)
			})
		})
	})
}

func TestAuxiliaryRecorders(t *testing.T) {
	Convey("Given the package level recorders", t, func() {
		Convey("Then none of them panic", func() {
			So(func() {
				SetCurrentRound(2)
				RecordBestModelSaveError()
				UpdateConnectedClients(4)
				RecordClientCall("fit", 0.2)
				RecordClientCallFailure("evaluate", "timeout")
				RecordLocalFit(1.0)
				RecordLocalEval(0.3, true)
				RecordPartitionFiles("train", "copied", 3)
				RecordPartitionFiles("test", "skipped", 0)
				RecordHTTPRequest("/stats", "GET", "200")
				RecordHTTPRequestDuration("/stats", "GET", "200", 1.2)
				UpdateQueueSize("outbound", 1)
				RecordQueueEnqueue("outbound")
				RecordQueueRejected("outbound", "full")
				RecordWorkerProcessed("writer", 0.01)
				RecordWorkerError("writer")
				RecordErrorByComponent("coordinator", "timeout")
			}, ShouldNotPanic)
		})

		Convey("Then the custom registry exposes fedlab metrics", func() {
			families, err := GetRegistry().Gather()
			So(err, ShouldBeNil)
			names := make([]string, 0, len(families))
			for _, f := range families {
				names = append(names, f.GetName())
			}
			So(strings.Join(names, ","), ShouldContainSubstring, "fedlab_fl_connected_clients")
		})
	})
}
