package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// OracleReading is one price observation for an asset.
type OracleReading struct {
	Asset      common.Address  `json:"asset"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  time.Time       `json:"timestamp"`
	Confidence decimal.Decimal `json:"confidence"`
	Source     string          `json:"source,omitempty"`
}
