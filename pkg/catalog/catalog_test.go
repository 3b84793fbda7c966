package catalog

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/models"
	"github.com/TFMV/flightline/pkg/source"
)

var citySchema = models.NewSchema(
	models.Field{Name: "city", Type: models.TypeString},
	models.Field{Name: "lat", Type: models.TypeFloat64},
	models.Field{Name: "lng", Type: models.TypeFloat64},
)

func memSource(t *testing.T, schema models.Schema) source.Source {
	t.Helper()
	src, err := source.NewMemorySource(schema)
	require.NoError(t, err)
	return src
}

func ukCities(t *testing.T) Dataset {
	d := NewDataset("uk_cities", models.PathDescriptor("uk_cities"), memSource(t, citySchema))
	d.Ticket = []byte("uk_cities")
	return d
}

func TestCatalog_UKCities(t *testing.T) {
	c, err := New(ukCities(t))
	require.NoError(t, err)

	infos := c.List()
	require.Len(t, infos, 1)
	info := infos[0]
	assert.True(t, info.Descriptor.Equal(models.PathDescriptor("uk_cities")))
	assert.True(t, info.Schema.Equal(citySchema))
	require.Len(t, info.Endpoints, 1)
	assert.Equal(t, []byte("uk_cities"), info.Endpoints[0].Ticket)
	assert.Empty(t, info.Endpoints[0].Locations)
	assert.Equal(t, models.UnknownTotal, info.TotalRecords)
	assert.Equal(t, models.UnknownTotal, info.TotalBytes)
	assert.False(t, info.Ordered)
}

func TestCatalog_Lookup(t *testing.T) {
	nested := NewDataset("", models.PathDescriptor("uk", "cities"), memSource(t, citySchema))
	c, err := New(ukCities(t), nested)
	require.NoError(t, err)

	info, err := c.Lookup(models.PathDescriptor("uk", "cities"))
	require.NoError(t, err)
	assert.Equal(t, []byte("uk/cities"), info.Endpoints[0].Ticket)

	for _, d := range []models.Descriptor{
		models.PathDescriptor("UK_CITIES"),
		models.PathDescriptor("uk"),
		models.PathDescriptor("uk", "cities", "extra"),
		models.PathDescriptor("ukcities"),
		models.CommandDescriptor([]byte("uk_cities")),
	} {
		_, err := c.Lookup(d)
		assert.True(t, errors.IsNotFound(err), d.String())
	}
}

func TestCatalog_ListIsFresh(t *testing.T) {
	c, err := New(ukCities(t))
	require.NoError(t, err)

	first := c.List()
	first[0].Endpoints[0].Ticket[0] = 'X'
	first[0].TotalRecords = 42

	second := c.List()
	assert.Equal(t, []byte("uk_cities"), second[0].Endpoints[0].Ticket)
	assert.Equal(t, models.UnknownTotal, second[0].TotalRecords)
}

func TestCatalog_Resolve(t *testing.T) {
	c, err := New(ukCities(t))
	require.NoError(t, err)

	d, err := c.Resolve([]byte("uk_cities"))
	require.NoError(t, err)
	assert.Equal(t, "uk_cities", d.Name)

	_, err = c.Resolve([]byte("no_such_ticket"))
	assert.True(t, errors.IsNotFound(err))
}

func TestCatalog_CommandTickets(t *testing.T) {
	cmd := NewDataset("", models.CommandDescriptor([]byte("SELECT * FROM cities")), memSource(t, citySchema))
	c, err := New(cmd)
	require.NoError(t, err)

	info, err := c.Lookup(models.CommandDescriptor([]byte("SELECT * FROM cities")))
	require.NoError(t, err)
	ticket := string(info.Endpoints[0].Ticket)
	assert.True(t, strings.HasPrefix(ticket, "cmd-"))
	assert.Len(t, ticket, len("cmd-")+32)
	assert.Equal(t, ticket, string(MintTicket(models.CommandDescriptor([]byte("SELECT * FROM cities")))))
	assert.NotEqual(t, ticket, string(MintTicket(models.CommandDescriptor([]byte("SELECT 1")))))

	d, err := c.Resolve(info.Endpoints[0].Ticket)
	require.NoError(t, err)
	assert.Equal(t, ticket, d.Name)
}

func TestCatalog_PathTicketsKeepSegments(t *testing.T) {
	slashed := NewDataset("", models.PathDescriptor("a/b"), memSource(t, citySchema))
	nested := NewDataset("", models.PathDescriptor("a", "b"), memSource(t, citySchema))
	c, err := New(slashed, nested)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	assert.Equal(t, []byte("a%2Fb"), MintTicket(models.PathDescriptor("a/b")))
	assert.Equal(t, []byte("a/b"), MintTicket(models.PathDescriptor("a", "b")))
	assert.Equal(t, []byte("uk_cities"), MintTicket(models.PathDescriptor("uk_cities")))

	d, err := c.Resolve([]byte("a%2Fb"))
	require.NoError(t, err)
	assert.True(t, d.Descriptor.Equal(models.PathDescriptor("a/b")))

	d, err = c.Resolve([]byte("a/b"))
	require.NoError(t, err)
	assert.True(t, d.Descriptor.Equal(models.PathDescriptor("a", "b")))
}

func TestCatalog_Validation(t *testing.T) {
	tests := []struct {
		name     string
		datasets func() []Dataset
	}{
		{"duplicate descriptor", func() []Dataset {
			b := ukCities(t)
			b.Name, b.Ticket = "other", []byte("other")
			return []Dataset{ukCities(t), b}
		}},
		{"duplicate ticket", func() []Dataset {
			b := NewDataset("towns", models.PathDescriptor("towns"), memSource(t, citySchema))
			b.Ticket = []byte("uk_cities")
			return []Dataset{ukCities(t), b}
		}},
		{"duplicate name", func() []Dataset {
			b := NewDataset("uk_cities", models.PathDescriptor("towns"), memSource(t, citySchema))
			return []Dataset{ukCities(t), b}
		}},
		{"no source", func() []Dataset {
			return []Dataset{{Descriptor: models.PathDescriptor("x")}}
		}},
		{"empty path", func() []Dataset {
			return []Dataset{NewDataset("x", models.PathDescriptor(), memSource(t, citySchema))}
		}},
		{"empty segment", func() []Dataset {
			return []Dataset{NewDataset("x", models.PathDescriptor("a", ""), memSource(t, citySchema))}
		}},
		{"empty command", func() []Dataset {
			return []Dataset{NewDataset("x", models.CommandDescriptor(nil), memSource(t, citySchema))}
		}},
		{"bad total", func() []Dataset {
			d := ukCities(t)
			d.TotalRecords = -2
			return []Dataset{d}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.datasets()...)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequest(err), "got %v", err)
		})
	}
}

func TestCatalog_ConcurrentReads(t *testing.T) {
	c, err := New(ukCities(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = c.Lookup(models.PathDescriptor("uk_cities"))
				_ = c.List()
				_, _ = c.Resolve([]byte("uk_cities"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, c.Len())
}
