package directory

import (
	"github.com/prismhq/prism/pkg/source/core"
	"github.com/prismhq/prism/pkg/source/registry"
)

func init() {
	if err := registry.Register(core.KindDirectory, NewConnector, NewCompiler); err != nil {
		panic("failed to register directory source: " + err.Error())
	}
}
