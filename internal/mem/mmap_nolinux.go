//go:build unix && !linux

package mem

const mapNoReserve = 0
