package rebalance_test

import (
	"context"
	"testing"
	"time"

	gc "github.com/go-check/check"

	"github.com/PostHog/posthog-sub013/internal/rebalance"
)

func Test(t *testing.T) { gc.TestingT(t) }

type CoordinatorSuite struct{}

var _ = gc.Suite(&CoordinatorSuite{})

func (s *CoordinatorSuite) TestUnknownPartitionReportsRevoked(c *gc.C) {
	var coord, _, _, _, _ = newCoordinator(time.Second)
	c.Check(coord.StateOf(rebalance.PartitionKey{Topic: "events", Partition: 9}), gc.Equals, rebalance.Revoked)
}

func (s *CoordinatorSuite) TestLostTransitionsDirectlyToRevoked(c *gc.C) {
	var coord, _, _, closer, uploader = newCoordinator(time.Second)

	coord.OnPartitionsAssigned(context.Background(), map[string][]int32{"events": {4}})
	coord.OnPartitionsLost(context.Background(), map[string][]int32{"events": {4}})

	var key = rebalance.PartitionKey{Topic: "events", Partition: 4}
	c.Check(coord.StateOf(key), gc.Equals, rebalance.Revoked)
	c.Check(len(closer.closes), gc.Equals, 1)
	c.Check(uploader.uploads, gc.Equals, 0)
}

func (s *CoordinatorSuite) TestAssignOpensOneStorePerPartitionOfSameTopic(c *gc.C) {
	var coord, _, opener, _, _ = newCoordinator(time.Second)

	coord.OnPartitionsAssigned(context.Background(), map[string][]int32{"events": {0, 1}})

	c.Check(coord.StateOf(rebalance.PartitionKey{Topic: "events", Partition: 0}), gc.Equals, rebalance.Active)
	c.Check(coord.StateOf(rebalance.PartitionKey{Topic: "events", Partition: 1}), gc.Equals, rebalance.Active)
	c.Check(len(opener.opens), gc.Equals, 2)
}
