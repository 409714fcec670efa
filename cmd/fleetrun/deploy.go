package main

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/fleetrun/internal/core"
	"github.com/3cpo-dev/fleetrun/pkg/api"
)

var errNoOperations = errors.New("deploy declares no operations")

func loadDeploy(path string) (*api.Deploy, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deploy: %w", err)
	}
	var d api.Deploy
	if err := yaml.Unmarshal(content, &d); err != nil {
		return nil, fmt.Errorf("parse deploy: %w", err)
	}
	if len(d.Operations) == 0 {
		return nil, errNoOperations
	}
	for i, op := range d.Operations {
		if op.Name == "" {
			return nil, fmt.Errorf("deploy operation %d: name is required", i)
		}
		for _, f := range op.Files {
			if f.DestKey == "" {
				return nil, fmt.Errorf("deploy operation %q: file without dest_key", op.Name)
			}
			if f.Content != "" && f.Source != "" {
				return nil, fmt.Errorf("deploy operation %q: file %q sets both content and source", op.Name, f.DestKey)
			}
		}
	}
	return &d, nil
}

// declare registers every operation of d through c, in file order.
func declare(c core.Context, d *api.Deploy) error {
	inv := c.Inventory()
	for i, spec := range d.Operations {
		hosts := make([]*core.Host, 0, len(spec.Hosts))
		for _, name := range spec.Hosts {
			h, ok := inv.Get(name)
			if !ok {
				return fmt.Errorf("operation %q: %w: %s", spec.Name, core.ErrUnknownHost, name)
			}
			hosts = append(hosts, h)
		}
		res, err := c.AddOp(core.OpSpec{
			Name:         spec.Name,
			Args:         opArgs(i, spec),
			Sudo:         spec.Sudo,
			SudoUser:     spec.SudoUser,
			IgnoreErrors: spec.IgnoreErrors,
		}, hosts, operationFunc(spec))
		if err != nil {
			return err
		}
		if res.Nested {
			return fmt.Errorf("operation %q: declared while another operation was being generated", spec.Name)
		}
	}
	return nil
}

// opArgs identifies an operation by its position in the deploy file as well
// as its content, so a step repeated later in the file is a separate operation.
func opArgs(index int, spec api.OperationSpec) map[string]string {
	args := map[string]string{
		"index":    strconv.Itoa(index),
		"commands": strings.Join(spec.Commands, "\n"),
	}
	if len(spec.Hosts) > 0 {
		args["hosts"] = strings.Join(spec.Hosts, ",")
	}
	for _, f := range spec.Files {
		args["file:"+f.DestKey] = f.Dest + "\x00" + f.Source + "\x00" + f.Content
	}
	return args
}

// operationFunc uploads files first, each to the temp path for its key, then
// runs the shell commands.
func operationFunc(spec api.OperationSpec) core.OpFunc {
	return func(s *core.State, _ *core.Host) ([]core.Command, error) {
		var cmds []core.Command
		for _, f := range spec.Files {
			data, err := fileData(s.DeployDir(), f)
			if err != nil {
				return nil, err
			}
			tmp := s.GetTempFilename(f.DestKey)
			cmds = append(cmds, core.Put(data, tmp))
			if f.Mode != "" {
				cmds = append(cmds, core.Shell(fmt.Sprintf("chmod %s %s", quote(f.Mode), quote(tmp))))
			}
			if f.Dest != "" {
				cmds = append(cmds, core.Shell(fmt.Sprintf("mkdir -p %s && mv %s %s", quote(path.Dir(f.Dest)), quote(tmp), quote(f.Dest))))
			}
		}
		for _, c := range spec.Commands {
			cmds = append(cmds, core.Shell(c))
		}
		return cmds, nil
	}
}

func fileData(deployDir string, f api.FileSpec) ([]byte, error) {
	if f.Source == "" {
		return []byte(f.Content), nil
	}
	p := f.Source
	if !filepath.IsAbs(p) && deployDir != "" {
		p = filepath.Join(deployDir, p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read file source: %w", err)
	}
	return data, nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
