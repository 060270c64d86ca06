// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pacphi/sindri/cmd/sindri/internal/config"
	"github.com/pacphi/sindri/cmd/sindri/internal/image"
)

func newImageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Resolve container image references",
	}
	cmd.AddCommand(newImageResolveCmd(a))
	return cmd
}

func newImageResolveCmd(a *app) *cobra.Command {
	var (
		req        image.Request
		repo       string
		strategy   string
		projectCfg string
		baseURL    string
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Pick an image tag from a registry",
		Long: `Resolve lists the tags of a repository and picks one by strategy:

  explicit       the tag given with --constraint must exist
  semver         greatest tag matching the --constraint range
  latest-stable  greatest tag without a pre-release
  pin-to-cli     the tag equal to the CLI version, else the greatest below it`,
		Example: `  sindri image resolve --repo ghcr.io/pacphi/sindri --strategy pin-to-cli
  sindri image resolve --repo python --strategy semver --constraint "~3.12" --pin-digest
  sindri image resolve --config sindri.yaml`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if projectCfg != "" {
				r, err := imageRequestFromProject(projectCfg, a.cliVersion)
				if err != nil {
					return err
				}
				req = r
			} else {
				if repo == "" {
					return usagef("--repo or --config is required")
				}
				ref, err := image.ParseRef(repo)
				if err != nil {
					return err
				}
				if req.Registry == "" {
					req.Registry = ref.Registry
				}
				req.Repository = ref.Repository
				if req.Strategy, err = image.ParseStrategy(strategy); err != nil {
					return err
				}
				if req.Strategy == image.StrategyExplicit && req.Constraint == "" {
					req.Constraint = ref.Tag
				}
				req.CLIVersion = a.cliVersion
			}
			if req.Registry == "" {
				req.Registry = image.DefaultRegistry
			}

			ref, err := a.imageResolver(baseURL).Resolve(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, ref.String())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&repo, "repo", "", "repository, optionally with registry host and tag")
	f.StringVar(&req.Registry, "registry", "", "registry host (default from --repo, else docker.io)")
	f.StringVar(&strategy, "strategy", string(image.StrategyLatestStable), "explicit, semver, latest-stable or pin-to-cli")
	f.StringVar(&req.Constraint, "constraint", "", "tag for explicit, range for semver")
	f.BoolVar(&req.AllowPrerelease, "prerelease", false, "allow pre-release tags")
	f.StringVar(&req.Digest, "digest", "", "fail unless the chosen tag has this digest")
	f.BoolVar(&req.PinDigest, "pin-digest", false, "append the manifest digest to the reference")
	f.StringVar(&projectCfg, "config", "", "read deployment.imageConfig from a sindri.yaml")
	f.StringVar(&baseURL, "registry-url", "", "override the registry endpoint, e.g. http://localhost:5000")
	_ = f.MarkHidden("registry-url")
	cmd.MarkFlagsMutuallyExclusive("config", "repo")
	return cmd
}

func imageRequestFromProject(path, cliVersion string) (image.Request, error) {
	p, _, err := config.LoadProject(path, config.Lenient)
	if err != nil {
		return image.Request{}, err
	}
	c := p.Deployment.ImageConfig
	if c == nil {
		return image.Request{}, fmt.Errorf("%w: %s has no deployment.imageConfig", config.ErrInvalidConfig, path)
	}
	return c.Request(cliVersion)
}
