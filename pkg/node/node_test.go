package node

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/config"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/delivery"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/fallback"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/link"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/link/memlink"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/protocol"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/protocol/codec"
)

type harness struct {
	n    *Node
	clk  *clock.Mock
	wifi *memlink.Adapter
	lora *memlink.Adapter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fallback.SwitchDebounceMs = 5000
	cfg.Delivery.AckTimeoutMs = 1000

	wifi := memlink.New(link.KindWiFi, "wifi")
	wifi.SetRSSI(-50)
	wifi.SetAutoAck(true)
	lora := memlink.New(link.KindLoRa, "lora")
	lora.SetRSSI(-80)
	lora.SetAutoAck(true)

	n, err := New(clk, cfg, map[link.Kind]link.Adapter{
		link.KindWiFi: wifi,
		link.KindLoRa: lora,
	}, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return &harness{n: n, clk: clk, wifi: wifi, lora: lora}
}

func (h *harness) run(rounds int) {
	for i := 0; i < rounds; i++ {
		h.n.Process()
		h.clk.Add(100 * time.Millisecond)
	}
}

// drain pulls everything currently buffered on the event channel.
func (h *harness) drain() []delivery.Event {
	var out []delivery.Event
	for {
		select {
		case ev := <-h.n.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEndToEndDelivery(t *testing.T) {
	h := newHarness(t)
	h.run(5)
	if h.n.State() != fallback.StateWiFiActive {
		t.Fatalf("state = %v, want WIFI_ACTIVE", h.n.State())
	}

	id, err := h.n.TransmitData("base", []byte("motion capture 0142"), protocol.PriorityNormal, true)
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	h.run(3)

	st, ok := h.n.TransmissionStatus(id)
	if !ok || st.State != delivery.StateCompleted {
		t.Fatalf("status = %+v ok=%v", st, ok)
	}

	var sawSwitch, sawDone bool
	for _, ev := range h.drain() {
		switch ev.Kind {
		case delivery.EventLinkSwitched:
			sawSwitch = true
		case delivery.EventCompleted:
			if ev.TransmissionID == id {
				sawDone = true
			}
		}
	}
	if !sawSwitch || !sawDone {
		t.Fatalf("event stream incomplete: switch=%v done=%v", sawSwitch, sawDone)
	}
}

func TestFailoverMidTransmission(t *testing.T) {
	h := newHarness(t)
	h.run(5)
	if h.n.ActiveLink() != link.KindWiFi {
		t.Fatalf("setup: active = %v", h.n.ActiveLink())
	}

	// wifi dies; coordinator must land on lora and traffic must flow
	h.wifi.SetAvailable(false)
	id, err := h.n.TransmitData("base", []byte("payload during outage"), protocol.PriorityHigh, true)
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}

	// drive long enough for health checks, debounce, and reconnect
	for i := 0; i < 120; i++ {
		h.n.Process()
		h.clk.Add(time.Second)
	}

	if h.n.ActiveLink() != link.KindLoRa {
		t.Fatalf("active = %v, want lora after wifi loss", h.n.ActiveLink())
	}
	st, _ := h.n.TransmissionStatus(id)
	if st.State != delivery.StateCompleted {
		t.Fatalf("transmission did not survive the failover: %v", st.State)
	}
}

func TestStatisticsAggregate(t *testing.T) {
	h := newHarness(t)
	h.run(5)
	if _, err := h.n.TransmitData("base", []byte("x"), protocol.PriorityLow, true); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	h.run(3)

	st := h.n.GetStatistics()
	if st.Delivery.Completed != 1 {
		t.Fatalf("completed = %d", st.Delivery.Completed)
	}
	if st.ActiveLink != link.KindWiFi {
		t.Fatalf("active link = %v", st.ActiveLink)
	}
	if st.KnownNetworks == 0 {
		t.Fatalf("no networks recorded")
	}

	h.n.ResetStatistics()
	if st := h.n.GetStatistics(); st.Delivery.Completed != 0 {
		t.Fatalf("reset left residue")
	}
}

func TestDiagnosticsDump(t *testing.T) {
	h := newHarness(t)
	h.run(5)
	d := h.n.GetDiagnostics()
	if d.State != fallback.StateWiFiActive {
		t.Fatalf("diag state = %v", d.State)
	}
	if d.ActiveLink != link.KindWiFi {
		t.Fatalf("diag link = %v", d.ActiveLink)
	}
}

func TestExportDiagnostics(t *testing.T) {
	h := newHarness(t)
	h.run(5)

	raw, err := h.n.ExportDiagnostics("")
	if err != nil {
		t.Fatalf("export json: %v", err)
	}
	var dump map[string]any
	if err := json.Unmarshal(raw, &dump); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dump["state"] != "wifi_active" {
		t.Fatalf("state = %v, want wifi_active", dump["state"])
	}
	if dump["active_link"] != "wifi" {
		t.Fatalf("active_link = %v, want wifi", dump["active_link"])
	}

	raw, err = h.n.ExportDiagnostics("application/cbor")
	if err != nil {
		t.Fatalf("export cbor: %v", err)
	}
	cb, err := codec.CBOR()
	if err != nil {
		t.Fatalf("cbor codec: %v", err)
	}
	var d Diagnostics
	if err := cb.Unmarshal(raw, &d); err != nil {
		t.Fatalf("decode cbor dump: %v", err)
	}
	if d.State != fallback.StateWiFiActive {
		t.Fatalf("cbor state = %v", d.State)
	}

	if _, err := h.n.ExportDiagnostics("text/xml"); err == nil {
		t.Fatalf("unknown content type accepted")
	}
}

func TestCancelThroughFacade(t *testing.T) {
	h := newHarness(t)
	// no link yet: the transmission stays queued and can be cancelled
	id, err := h.n.TransmitData("base", []byte("x"), protocol.PriorityNormal, true)
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if err := h.n.CancelTransmission(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st, _ := h.n.TransmissionStatus(id)
	if st.State != delivery.StateCancelled {
		t.Fatalf("state = %v", st.State)
	}
	found := false
	for _, ev := range h.drain() {
		if ev.Kind == delivery.EventError && ev.Error == delivery.ErrKindCancelled {
			found = true
		}
	}
	if !found {
		t.Fatalf("no cancellation event on the stream")
	}
}

func TestEventChannelDropsOldestWhenFull(t *testing.T) {
	h := newHarness(t)
	h.run(5)
	// generate far more events than the channel buffers, consuming none
	for i := 0; i < 300; i++ {
		if _, err := h.n.TransmitData("base", []byte("e"), protocol.PriorityNormal, true); err != nil {
			t.Fatalf("transmit %d: %v", i, err)
		}
		h.n.Process()
	}
	st := h.n.GetStatistics()
	if st.EventsDropped == 0 {
		t.Fatalf("no drops recorded with a saturated channel")
	}
	if got := len(h.drain()); got > 128 {
		t.Fatalf("drained %d events from a 128-slot channel", got)
	}
	// the node itself must still be live
	if st.Delivery.Completed == 0 {
		t.Fatalf("transport stalled while consumer lagged")
	}
}

func TestManualSwitchThroughFacade(t *testing.T) {
	h := newHarness(t)
	h.run(5)
	if err := h.n.RequestSwitch(link.KindLoRa); err != nil {
		t.Fatalf("request switch: %v", err)
	}
	h.run(5)
	if h.n.ActiveLink() != link.KindLoRa {
		t.Fatalf("active = %v after manual switch", h.n.ActiveLink())
	}
}

func TestClosePersistsHistory(t *testing.T) {
	h := newHarness(t)
	h.run(5)
	if _, err := h.n.TransmitData("base", []byte("x"), protocol.PriorityNormal, true); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	h.run(3)
	if err := h.n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h.wifi.Connected() {
		t.Fatalf("adapter left connected after close")
	}
	// close is idempotent
	if err := h.n.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNextDeadlineNeverZero(t *testing.T) {
	h := newHarness(t)
	h.n.Process()
	wake := h.n.NextDeadline()
	if wake.IsZero() {
		t.Fatalf("zero deadline")
	}
}
