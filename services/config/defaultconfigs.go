package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Key: device ID (same value placed in ctx under CtxDeviceKey)
// Val: raw JSON bytes for that device
// -----------------------------------------------------------------------------

// Pico: BOOTSEL-adjacent user button on GP15 (active low), a spare rising
// line on GP14. The uplink mirrors events to UART0.
const cfgPico = `{
  "irq": {
      "queue_len": 64,
      "lines": [
          {"id": "button", "pin": 15, "edge": "falling", "pull": "up"},
          {"id": "aux", "pin": 14, "edge": "rising", "pull": "down"}
      ]
  },
  "uplink": {
      "transport": {
          "type": "uart",
          "uart": {"port": 0, "baud": 115200, "tx_pin": 0, "rx_pin": 1}
      },
      "ping_ms": 5000
  },
  "heartbeat": {
      "interval": 2
  }
}`

// Linux host (Raspberry Pi numbering).
const cfgRPi = `{
  "irq": {
      "lines": [
          {"id": "button", "pin": 17, "edge": "falling", "pull": "up"}
      ]
  },
  "uplink": {
      "transport": {"type": "stdout"}
  },
  "heartbeat": {
      "interval": 5
  }
}`

var embeddedConfigs = map[string][]byte{
	"pico": []byte(cfgPico),
	"rpi":  []byte(cfgRPi),
}
