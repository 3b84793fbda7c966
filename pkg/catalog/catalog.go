// Package catalog holds the immutable registry of datasets served by the
// Flight server.
package catalog

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/models"
	"github.com/TFMV/flightline/pkg/source"
)

// Dataset is one registered dataset.
type Dataset struct {
	// Name labels the dataset in logs and metrics. Defaults to the descriptor.
	Name       string
	Descriptor models.Descriptor
	// Ticket is minted from the descriptor when empty.
	Ticket    []byte
	Locations []string
	Source    source.Source
	// Totals are advisory; use models.UnknownTotal when not known.
	TotalRecords int64
	TotalBytes   int64
}

// NewDataset returns a dataset with unknown totals.
func NewDataset(name string, descriptor models.Descriptor, src source.Source) Dataset {
	return Dataset{
		Name:         name,
		Descriptor:   descriptor,
		Source:       src,
		TotalRecords: models.UnknownTotal,
		TotalBytes:   models.UnknownTotal,
	}
}

// Schema returns the schema of the dataset's source.
func (d Dataset) Schema() models.Schema { return d.Source.Schema() }

// Info builds the dataset's discovery record.
func (d Dataset) Info() models.FlightInfo {
	return models.FlightInfo{
		Descriptor: d.Descriptor,
		Schema:     d.Schema(),
		Endpoints: []models.Endpoint{{
			Ticket:    append([]byte(nil), d.Ticket...),
			Locations: append([]string(nil), d.Locations...),
		}},
		TotalRecords: d.TotalRecords,
		TotalBytes:   d.TotalBytes,
		Ordered:      false,
	}
}

// Catalog maps descriptors and tickets to datasets. It is read-only after
// New, so concurrent lookups need no locking.
type Catalog struct {
	datasets []Dataset
	byKey    map[string]int
	byTicket map[string]int
}

// New validates and registers datasets in the given order.
func New(datasets ...Dataset) (*Catalog, error) {
	c := &Catalog{
		datasets: make([]Dataset, 0, len(datasets)),
		byKey:    make(map[string]int, len(datasets)),
		byTicket: make(map[string]int, len(datasets)),
	}
	names := make(map[string]struct{}, len(datasets))

	for _, d := range datasets {
		if d.Source == nil {
			return nil, errors.Newf(errors.CodeInvalidRequest, "dataset %s has no source", d.Descriptor)
		}
		if err := d.Source.Schema().Validate(); err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidRequest, "dataset %s", d.Descriptor)
		}
		if err := validateDescriptor(d.Descriptor); err != nil {
			return nil, err
		}
		if d.TotalRecords < models.UnknownTotal || d.TotalBytes < models.UnknownTotal {
			return nil, errors.Newf(errors.CodeInvalidRequest, "dataset %s has a negative total", d.Descriptor)
		}
		if d.Name == "" {
			d.Name = defaultName(d.Descriptor)
		}
		if len(d.Ticket) == 0 {
			d.Ticket = MintTicket(d.Descriptor)
		}
		d.Ticket = append([]byte(nil), d.Ticket...)

		key := d.Descriptor.Key()
		if _, dup := c.byKey[key]; dup {
			return nil, errors.Newf(errors.CodeInvalidRequest, "duplicate descriptor %s", d.Descriptor)
		}
		if _, dup := c.byTicket[string(d.Ticket)]; dup {
			return nil, errors.Newf(errors.CodeInvalidRequest, "duplicate ticket %q", d.Ticket)
		}
		if _, dup := names[d.Name]; dup {
			return nil, errors.Newf(errors.CodeInvalidRequest, "duplicate dataset name %q", d.Name)
		}

		names[d.Name] = struct{}{}
		c.byKey[key] = len(c.datasets)
		c.byTicket[string(d.Ticket)] = len(c.datasets)
		c.datasets = append(c.datasets, d)
	}
	return c, nil
}

// Lookup returns the FlightInfo for an exactly matching descriptor.
func (c *Catalog) Lookup(descriptor models.Descriptor) (models.FlightInfo, error) {
	i, ok := c.byKey[descriptor.Key()]
	if !ok {
		return models.FlightInfo{}, errors.Newf(errors.CodeNotFound, "no dataset for descriptor %s", descriptor)
	}
	return c.datasets[i].Info(), nil
}

// List returns a fresh FlightInfo for every dataset in registration order.
func (c *Catalog) List() []models.FlightInfo {
	infos := make([]models.FlightInfo, len(c.datasets))
	for i, d := range c.datasets {
		infos[i] = d.Info()
	}
	return infos
}

// Resolve maps a ticket back to its dataset.
func (c *Catalog) Resolve(ticket []byte) (Dataset, error) {
	i, ok := c.byTicket[string(ticket)]
	if !ok {
		return Dataset{}, errors.Newf(errors.CodeNotFound, "unknown ticket %q", ticket)
	}
	return c.datasets[i], nil
}

// Len returns the number of registered datasets.
func (c *Catalog) Len() int { return len(c.datasets) }

// MintTicket derives a stable ticket from a descriptor. Path descriptors
// join their escaped segments with "/", so ["a/b"] and ["a", "b"] mint
// different tickets and a plain segment like uk_cities stays readable.
// Commands are hashed.
func MintTicket(d models.Descriptor) []byte {
	if d.Kind == models.DescriptorCommand {
		h1, h2 := murmur3.Sum128(d.Cmd)
		return []byte(fmt.Sprintf("cmd-%016x%016x", h1, h2))
	}
	segs := make([]string, len(d.Path))
	for i, seg := range d.Path {
		segs[i] = url.PathEscape(seg)
	}
	return []byte(strings.Join(segs, "/"))
}

func validateDescriptor(d models.Descriptor) error {
	switch d.Kind {
	case models.DescriptorPath:
		if len(d.Path) == 0 {
			return errors.New(errors.CodeInvalidRequest, "path descriptor has no segments")
		}
		for _, seg := range d.Path {
			if seg == "" {
				return errors.Newf(errors.CodeInvalidRequest, "path descriptor %s has an empty segment", d)
			}
		}
	case models.DescriptorCommand:
		if len(bytes.TrimSpace(d.Cmd)) == 0 {
			return errors.New(errors.CodeInvalidRequest, "command descriptor is empty")
		}
	default:
		return errors.Newf(errors.CodeInvalidRequest, "unknown descriptor kind %d", d.Kind)
	}
	return nil
}

func defaultName(d models.Descriptor) string {
	return string(MintTicket(d))
}
