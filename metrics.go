package lasp

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricLaspDeclareCount     = []string{"lasp", "declare", "count"}
	MetricLaspBindCount        = []string{"lasp", "bind", "count"}
	MetricLaspBindErrorCount   = []string{"lasp", "bind", "error", "count"}
	MetricLaspReadCount        = []string{"lasp", "read", "count"}
	MetricLaspReadSuspendCount = []string{"lasp", "read", "suspend", "count"}
	MetricLaspWakeCount        = []string{"lasp", "wake", "count"}
	MetricLaspCancelCount      = []string{"lasp", "read", "cancel", "count"}
	MetricLaspFetchCount       = []string{"lasp", "fetch", "count"}
	MetricLaspNotifyCount      = []string{"lasp", "notify", "count"}
	MetricLaspForwardCount     = []string{"lasp", "forward", "count"}

	MetricLaspStreamInCount       = []string{"lasp", "stream", "in", "count"}
	MetricLaspStreamInErrorCount  = []string{"lasp", "stream", "in", "error", "count"}
	MetricLaspStreamOutCount      = []string{"lasp", "stream", "out", "count"}
	MetricLaspStreamOutErrorCount = []string{"lasp", "stream", "out", "error", "count"}
	MetricLaspConnEstCount        = []string{"lasp", "connection", "established", "count"}
	MetricLaspConnErrorCount      = []string{"lasp", "connection", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelPeerName  TelemetryLabel = "peer_name"
	LabelPartition TelemetryLabel = "partition"
	LabelVarId     TelemetryLabel = "var_id"
	LabelType      TelemetryLabel = "type"
	LabelOp        TelemetryLabel = "op"
	LabelDuration  TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
