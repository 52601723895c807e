package config

import (
	"slices"
	"sort"
)

// onewirePins lists, per board, the GPIOs that can drive a one-wire bus:
// bidirectional and not reserved for flash, USB or boot strapping that would
// keep the chip from starting.
var onewirePins = map[string][]int{
	// 6-11 flash, 12 (MTDI) selects 1.8 V flash when pulled up, 34-39 input only.
	"esp32": {0, 2, 4, 5, 13, 14, 15, 16, 17, 18, 19, 21, 22, 23, 25, 26, 27, 32, 33},
	// 11-17 flash, 18/19 USB-JTAG.
	"esp32c3": {0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 20, 21},
	// 6-11 flash, 15 must be low at boot, 16 has no open-drain mode.
	"esp8266": {0, 2, 4, 5, 12, 13, 14},
}

// SupportedBoards returns the board names with a known pin map, sorted.
func SupportedBoards() []string {
	boards := make([]string, 0, len(onewirePins))
	for board := range onewirePins {
		boards = append(boards, board)
	}
	sort.Strings(boards)
	return boards
}

// OneWirePins returns a copy of the usable one-wire GPIOs for board.
func OneWirePins(board string) ([]int, bool) {
	pins, ok := onewirePins[board]
	if !ok {
		return nil, false
	}
	return slices.Clone(pins), true
}

func validatePin(board string, pin int) error {
	pins, ok := onewirePins[board]
	if !ok {
		return newConfigError(ErrUnsupportedBoard, "board", "%q is not one of %v", board, SupportedBoards())
	}
	if !slices.Contains(pins, pin) {
		return newConfigError(ErrInvalidPin, "sensor.onewire_pin", "GPIO %d cannot drive a one-wire bus on %s", pin, board)
	}
	return nil
}
