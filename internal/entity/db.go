package entity

// Re-export common types so callers only import the entity package.

import (
	"atelier/internal/entity/common"
)

// Type aliases for common types
type StringArray = common.StringArray
type UintArray = common.UintArray
type JSONMap = common.JSONMap
type Response = common.Response
type Meta = common.Meta
type BaseParams = common.BaseParams
