package client

import "github.com/dmitrijs2005/fragnet/internal/common"

var (
	ErrUnavailable = common.ErrUnavailable
)
