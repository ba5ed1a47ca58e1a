//go:build !linux

package topology

import (
	"errors"

	"github.com/NodePath81/bufferbloat/internal/util"
)

var errUnsupported = errors.New("network namespaces require linux")

type NetnsProvisioner struct{}

func NewNetnsProvisioner(logger util.Logger) *NetnsProvisioner {
	return &NetnsProvisioner{}
}

func (p *NetnsProvisioner) CreateEndpoint(name string) error { return errUnsupported }

func (p *NetnsProvisioner) CreateSwitch(name string) error { return errUnsupported }

func (p *NetnsProvisioner) CreateLink(a, b string, params LinkParams) error {
	return errUnsupported
}

func (p *NetnsProvisioner) Start() (Topology, error) { return nil, errUnsupported }

func (p *NetnsProvisioner) Abort() error { return nil }

func RemoveLeftovers(logger util.Logger, plan Plan) (int, error) { return 0, errUnsupported }
