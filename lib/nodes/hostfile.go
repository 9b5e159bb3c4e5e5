// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"bufio"
	"os"
	"strings"

	"github.com/farmout-project/farmout/lib/farmout"
	"github.com/sirupsen/logrus"
)

// LoadHostfile reads a node list file: one "name: address" entry per
// line, blank lines and lines starting with '#' skipped. Lines that
// don't match the format are logged and skipped. Duplicate names or
// addresses are a ConfigError: the registry contract requires an
// ordered sequence with no duplicates.
func LoadHostfile(logger logrus.FieldLogger, path string) ([]*Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var nodelist []*Node
	seenName := map[string]bool{}
	seenAddr := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, addr, ok := strings.Cut(line, ":")
		if !ok {
			logger.WithField("Line", line).Warn("skipping malformed hostfile line")
			continue
		}
		name, addr = strings.TrimSpace(name), strings.TrimSpace(addr)
		if name == "" || addr == "" {
			logger.WithField("Line", line).Warn("skipping malformed hostfile line")
			continue
		}
		if seenName[name] {
			return nil, farmout.Configf("duplicate node name %q in %s", name, path)
		}
		if seenAddr[addr] {
			return nil, farmout.Configf("duplicate node address %q in %s", addr, path)
		}
		seenName[name], seenAddr[addr] = true, true
		logger.WithFields(logrus.Fields{"Name": name, "Addr": addr}).Debug("read node from hostfile")
		nodelist = append(nodelist, NewNode(name, addr, len(nodelist)))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nodelist, nil
}
