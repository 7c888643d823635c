package gen

import (
	"fmt"

	"engagement-ledger/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("snowflake", fx.Provide(NewSnowflakeNode))

// NewSnowflakeNode returns the id generator for this process. Every API and
// worker replica must run with a distinct ENGAGEMENT.NODE_ID.
func NewSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.Engagement.NodeID)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", cfg.Engagement.NodeID, err)
	}
	return node, nil
}
