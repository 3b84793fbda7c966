package models

import (
	"bytes"
	"strconv"
	"strings"
)

// UnknownTotal is the reserved "unknown" value for FlightInfo totals.
const UnknownTotal int64 = -1

// DescriptorKind distinguishes path descriptors from command descriptors.
type DescriptorKind int

const (
	DescriptorPath DescriptorKind = iota
	DescriptorCommand
)

// Descriptor identifies a dataset, either by path segments or by an opaque
// command payload.
type Descriptor struct {
	Kind DescriptorKind
	Path []string
	Cmd  []byte
}

// PathDescriptor returns a path descriptor.
func PathDescriptor(segments ...string) Descriptor {
	return Descriptor{Kind: DescriptorPath, Path: segments}
}

// CommandDescriptor returns a command descriptor.
func CommandDescriptor(cmd []byte) Descriptor {
	return Descriptor{Kind: DescriptorCommand, Cmd: cmd}
}

// Key returns an unambiguous map key. Two descriptors have the same key
// exactly when they are equal segment by segment, or byte for byte.
func (d Descriptor) Key() string {
	var b strings.Builder
	switch d.Kind {
	case DescriptorCommand:
		b.WriteString("cmd:")
		b.Write(d.Cmd)
	default:
		b.WriteString("path:")
		for _, seg := range d.Path {
			b.WriteString(strconv.Itoa(len(seg)))
			b.WriteByte(':')
			b.WriteString(seg)
		}
	}
	return b.String()
}

// Equal reports exact descriptor equality.
func (d Descriptor) Equal(other Descriptor) bool {
	if d.Kind != other.Kind {
		return false
	}
	if d.Kind == DescriptorCommand {
		return bytes.Equal(d.Cmd, other.Cmd)
	}
	if len(d.Path) != len(other.Path) {
		return false
	}
	for i := range d.Path {
		if d.Path[i] != other.Path[i] {
			return false
		}
	}
	return true
}

func (d Descriptor) String() string {
	if d.Kind == DescriptorCommand {
		return "cmd:" + strconv.Quote(string(d.Cmd))
	}
	return "path:" + strings.Join(d.Path, "/")
}

// Endpoint is a ticket plus optional location hints. An empty location list
// means the ticket is redeemed on the server that issued it.
type Endpoint struct {
	Ticket    []byte
	Locations []string
}

// FlightInfo is the discovery record for one dataset.
type FlightInfo struct {
	Descriptor   Descriptor
	Schema       Schema
	Endpoints    []Endpoint
	TotalRecords int64
	TotalBytes   int64
	Ordered      bool
}
