package greenroots

import "github.com/minus-twelve/greenroots/types"

type (
	Store  = types.Store
	Bucket = types.Bucket
)
