package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/test/util"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(util.SetupTestDatabase(t))
}

func seedClient(t *testing.T, st *Store) *models.Client {
	t.Helper()
	digest := sha256.Sum256([]byte("sp_" + uuid.New().String()))
	c, err := st.Clients.Create(context.Background(), &models.Client{
		Name:          "acme-" + uuid.New().String()[:8],
		AuthTokenHash: hex.EncodeToString(digest[:]),
		Plan:          "standard",
		Limits:        models.Limits{MaxAgents: 10, MaxReplicasPerAgent: 2},
		DefaultPolicy: models.Policy{AutoSwitchEnabled: true},
	})
	require.NoError(t, err)
	return c
}

func seedAgent(t *testing.T, st *Store, clientID string) *models.Agent {
	t.Helper()
	a, err := st.Agents.Create(context.Background(), &models.Agent{
		ClientID:         clientID,
		LogicalID:        "web-" + uuid.New().String()[:8],
		Hostname:         "web-1.internal",
		Region:           "us-east-1",
		AvailabilityZone: "us-east-1a",
		Mode:             models.ModeOnDemand,
		Policy:           models.Policy{AutoSwitchEnabled: true},
	})
	require.NoError(t, err)
	return a
}

func seedPool(t *testing.T, st *Store, az string) *models.Pool {
	t.Helper()
	p, err := st.Pools.Ensure(context.Background(), "m5.large", "us-east-1", az)
	require.NoError(t, err)
	return p
}

func seedInstance(t *testing.T, st *Store, agentID, poolID string, role models.InstanceRole, mode models.AgentMode) *models.Instance {
	t.Helper()
	inst, err := st.Instances.Create(context.Background(), &models.Instance{
		ID:               "i-" + uuid.New().String()[:17],
		AgentID:          agentID,
		PoolID:           poolID,
		InstanceType:     "m5.large",
		Region:           "us-east-1",
		AvailabilityZone: "us-east-1a",
		Mode:             mode,
		Role:             role,
	})
	require.NoError(t, err)
	return inst
}
