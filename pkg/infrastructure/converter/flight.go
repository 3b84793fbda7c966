package converter

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/models"
)

// ToFlightDescriptor converts a descriptor to its protobuf form.
func ToFlightDescriptor(d models.Descriptor) *flight.FlightDescriptor {
	if d.Kind == models.DescriptorCommand {
		return &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: append([]byte(nil), d.Cmd...)}
	}
	return &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: append([]string(nil), d.Path...)}
}

// FromFlightDescriptor converts a protobuf descriptor. Only PATH and CMD
// descriptors are accepted.
func FromFlightDescriptor(fd *flight.FlightDescriptor) (models.Descriptor, error) {
	if fd == nil {
		return models.Descriptor{}, errors.New(errors.CodeInvalidRequest, "missing flight descriptor")
	}
	switch fd.GetType() {
	case flight.DescriptorPATH:
		return models.PathDescriptor(append([]string(nil), fd.GetPath()...)...), nil
	case flight.DescriptorCMD:
		return models.CommandDescriptor(append([]byte(nil), fd.GetCmd()...)), nil
	}
	return models.Descriptor{}, errors.Newf(errors.CodeInvalidRequest, "unsupported descriptor type %s", fd.GetType())
}

// ToFlightInfo builds the protobuf discovery record. The schema is
// serialized as an IPC schema message.
func ToFlightInfo(info models.FlightInfo, mem memory.Allocator) (*flight.FlightInfo, error) {
	as, err := ToArrowSchema(info.Schema)
	if err != nil {
		return nil, err
	}
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	endpoints := make([]*flight.FlightEndpoint, len(info.Endpoints))
	for i, ep := range info.Endpoints {
		locs := make([]*flight.Location, len(ep.Locations))
		for j, uri := range ep.Locations {
			locs[j] = &flight.Location{Uri: uri}
		}
		endpoints[i] = &flight.FlightEndpoint{
			Ticket:   &flight.Ticket{Ticket: append([]byte(nil), ep.Ticket...)},
			Location: locs,
		}
	}

	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(as, mem),
		FlightDescriptor: ToFlightDescriptor(info.Descriptor),
		Endpoint:         endpoints,
		TotalRecords:     info.TotalRecords,
		TotalBytes:       info.TotalBytes,
		Ordered:          info.Ordered,
	}, nil
}

// FromFlightInfo decodes a discovery record received from a server. A
// schema holding an unsupported type is a protocol error.
func FromFlightInfo(fi *flight.FlightInfo, mem memory.Allocator) (models.FlightInfo, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	as, err := flight.DeserializeSchema(fi.GetSchema(), mem)
	if err != nil {
		return models.FlightInfo{}, errors.Wrap(err, errors.CodeProtocolError, "invalid flight info schema")
	}
	schema, err := FromArrowSchema(as)
	if err != nil {
		return models.FlightInfo{}, err
	}
	desc, err := FromFlightDescriptor(fi.GetFlightDescriptor())
	if err != nil {
		return models.FlightInfo{}, errors.Wrap(err, errors.CodeProtocolError, "invalid flight info descriptor")
	}

	info := models.FlightInfo{
		Descriptor:   desc,
		Schema:       schema,
		TotalRecords: fi.GetTotalRecords(),
		TotalBytes:   fi.GetTotalBytes(),
		Ordered:      fi.GetOrdered(),
	}
	for _, ep := range fi.GetEndpoint() {
		e := models.Endpoint{Ticket: ep.GetTicket().GetTicket()}
		for _, loc := range ep.GetLocation() {
			e.Locations = append(e.Locations, loc.GetUri())
		}
		info.Endpoints = append(info.Endpoints, e)
	}
	return info, nil
}
