package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/TFMV/flightline/client"
	"github.com/TFMV/flightline/cmd/server/config"
	"github.com/TFMV/flightline/pkg/models"
)

const citiesCSV = `city,lat,lng
London,51.5072,-0.1276
Manchester,53.4808,-2.2426
Edinburgh,55.9533,-3.1883
`

func startServer(t *testing.T, datasets ...config.DatasetConfig) *Server {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "uk_cities.csv"), []byte(citiesCSV), 0o600))

	cfg := config.DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.DataDir = dir
	cfg.Metrics.Enabled = false
	cfg.Datasets = datasets
	require.NoError(t, cfg.Validate())

	srv, err := New(context.Background(), cfg, zerolog.Nop(), nil)
	require.NoError(t, err)

	lis, err := srv.Listen()
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func TestServer_DefaultDataset(t *testing.T) {
	srv := startServer(t)
	c, err := client.New(client.Config{Address: srv.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	infos, err := c.ListFlights(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, []string{"uk_cities"}, infos[0].Descriptor.Path)

	_, batches, err := c.Collect(context.Background(), []byte("uk_cities"))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 3, batches[0].NumRows)
	assert.Equal(t, "Edinburgh", models.FormatValue(batches[0].Columns[0], 2))
}

func TestServer_SQLDataset(t *testing.T) {
	srv := startServer(t, config.DatasetConfig{
		Name:    "scores",
		Command: "top scores",
		Kind:    config.KindSQL,
		Schema: []config.FieldConfig{
			{Name: "id", Type: "int64"},
			{Name: "score", Type: "float64", Nullable: true},
		},
		SQL: config.SQLConfig{
			Driver: "sqlite3",
			DSN:    ":memory:",
			Init: []string{
				"CREATE TABLE scores (id INTEGER NOT NULL, score REAL)",
				"INSERT INTO scores VALUES (1, 9.5), (2, NULL), (3, 7.25)",
			},
			Query:     "SELECT id, score FROM scores ORDER BY id",
			BatchSize: 2,
		},
	})

	c, err := client.New(client.Config{Address: srv.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	infos, err := c.ListFlights(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, models.DescriptorCommand, infos[0].Descriptor.Kind)

	_, batches, err := c.Collect(context.Background(), infos[0].Endpoints[0].Ticket)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, 2, batches[0].NumRows)
	assert.Equal(t, 1, batches[1].NumRows)
	assert.True(t, batches[0].Columns[1].IsNull(1))
}

func TestServer_BadSQLInitFails(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Datasets = []config.DatasetConfig{{
		Name:   "broken",
		Kind:   config.KindSQL,
		Schema: []config.FieldConfig{{Name: "id", Type: "int64"}},
		SQL:    config.SQLConfig{Driver: "sqlite3", Query: "SELECT 1", Init: []string{"NOT SQL"}},
	}}
	require.NoError(t, cfg.Validate())

	_, err := New(context.Background(), cfg, zerolog.Nop(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestServer_HealthFlipsOnShutdown(t *testing.T) {
	srv := startServer(t)
	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	hc := grpc_health_v1.NewHealthClient(conn)
	resp, err := hc.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)

	srv.health.Shutdown()
	resp, err = hc.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestServer_CachedDatasetSurvivesSourceLoss(t *testing.T) {
	srv := startServer(t, config.DatasetConfig{
		Name:   "lookup",
		Ticket: "lookup",
		Kind:   config.KindSQL,
		Cache:  true,
		Schema: []config.FieldConfig{{Name: "code", Type: "string"}},
		SQL: config.SQLConfig{
			Driver: "sqlite3",
			Init: []string{
				"CREATE TABLE lookup (code TEXT NOT NULL)",
				"INSERT INTO lookup VALUES ('GB'), ('IE')",
			},
			Query: "SELECT code FROM lookup",
		},
	})

	c, err := client.New(client.Config{Address: srv.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	_, first, err := c.Collect(context.Background(), []byte("lookup"))
	require.NoError(t, err)

	db, err := srv.pool.Open(context.Background(), "sqlite3", "")
	require.NoError(t, err)
	_, err = db.Exec("DROP TABLE lookup")
	require.NoError(t, err)

	_, second, err := c.Collect(context.Background(), []byte("lookup"))
	require.NoError(t, err)
	require.Len(t, second, len(first))
	assert.Equal(t, 2, second[0].NumRows)
	assert.Equal(t, uint64(1), srv.cache.Stats().Hits)
}
