// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pacphi/sindri/cmd/sindri/internal/config"
	"github.com/pacphi/sindri/cmd/sindri/internal/installer"
	"github.com/pacphi/sindri/cmd/sindri/internal/profile"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and apply sindri.yaml and show user settings",
	}
	cmd.AddCommand(newConfigValidateCmd(a), newConfigApplyCmd(a), newConfigShowCmd(a))
	return cmd
}

func projectPath(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return config.ProjectFile
}

func loadProject(a *app, path string, lenient bool) (*config.Project, error) {
	mode := config.Strict
	if lenient {
		mode = config.Lenient
	}
	p, warnings, err := config.LoadProject(path, mode)
	for _, w := range warnings {
		a.out.Warning("%s", w)
	}
	return p, err
}

func newConfigValidateCmd(a *app) *cobra.Command {
	var lenient bool
	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a sindri.yaml",
		Long: `Validate decodes the project file, rejecting unknown fields unless
--lenient is given, and checks that the extensions and profile it names
are known.`,
		Args: maxArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := projectPath(args)
			p, err := loadProject(a, path, lenient)
			if err != nil {
				return err
			}

			for _, w := range referenceWarnings(a, p) {
				a.out.Warning("%s", w)
			}

			var b strings.Builder
			fmt.Fprintf(&b, "name:         %s\n", p.Name)
			fmt.Fprintf(&b, "provider:     %s\n", p.Deployment.Provider)
			switch {
			case p.Deployment.ImageConfig != nil:
				c := p.Deployment.ImageConfig
				fmt.Fprintf(&b, "image:        %s (%s)\n", c.Repository, dash(c.Strategy))
			case p.Deployment.Image != "":
				fmt.Fprintf(&b, "image:        %s\n", p.Deployment.Image)
			}
			fmt.Fprintf(&b, "profile:      %s\n", dash(p.Extensions.Profile))
			fmt.Fprintf(&b, "extensions:   %s\n", dash(strings.Join(append(append([]string(nil), p.Extensions.Active...), p.Extensions.Additional...), ", ")))
			fmt.Fprintf(&b, "auto-install: %t", p.Extensions.AutoInstalls())
			a.out.Box(path, b.String())
			a.out.Success("%s is valid", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&lenient, "lenient", false, "report unknown fields as warnings")
	return cmd
}

// referenceWarnings checks names against the registry and profiles file.
// Either may legitimately be out of date, so problems are warnings.
func referenceWarnings(a *app, p *config.Project) []string {
	var out []string
	if reg, err := a.loadRegistry(); err != nil {
		out = append(out, fmt.Sprintf("registry not checked: %v", err))
	} else if requests, err := p.Extensions.Requests(); err == nil {
		for _, r := range requests {
			if !reg.Has(r.Name) {
				out = append(out, fmt.Sprintf("extension %s is not in the registry", r.Name))
			}
		}
	}
	if name := p.Extensions.Profile; name != "" {
		profiles, err := profile.Load(a.env.ProfilesPath())
		switch {
		case err != nil:
			out = append(out, fmt.Sprintf("profiles not checked: %v", err))
		default:
			if _, err := profiles.Get(name); err != nil {
				out = append(out, err.Error())
			}
		}
	}
	return out
}

func newConfigApplyCmd(a *app) *cobra.Command {
	var (
		parallel bool
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "apply [file]",
		Short: "Install the profile and extensions a sindri.yaml selects",
		Long: `Apply installs the project's profile, then its active and additional
extensions. Projects with extensions.autoInstall set to false are skipped
unless --force is given.`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := projectPath(args)
			p, err := loadProject(a, path, true)
			if err != nil {
				return err
			}
			if !p.Extensions.AutoInstalls() && !force {
				a.out.Info("%s disables autoInstall; nothing to do", path)
				return nil
			}
			requests, err := p.Extensions.Requests()
			if err != nil {
				return err
			}

			if name := p.Extensions.Profile; name != "" {
				pi, err := a.newProfileInstaller(nil)
				if err != nil {
					return err
				}
				a.out.Title("Profile " + name)
				summary, err := pi.Install(cmd.Context(), name, profile.Options{Parallel: parallel})
				printSummary(a.out, summary)
				if err != nil {
					return err
				}
			}
			if len(requests) == 0 {
				return nil
			}

			in, err := a.newInstaller()
			if err != nil {
				return err
			}
			a.out.Title("Extensions")
			report, err := in.Install(cmd.Context(), requests, installer.Options{Parallel: parallel})
			printReport(a.out, report)
			return err
		},
	}
	cmd.Flags().BoolVar(&parallel, "parallel", false, "install independent extensions concurrently")
	cmd.Flags().BoolVar(&force, "force", false, "install even when autoInstall is false")
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective user settings",
		Args:  noArgs,
		RunE: func(*cobra.Command, []string) error {
			data, err := yaml.Marshal(a.settings)
			if err != nil {
				return err
			}
			a.out.Muted("# %s", a.env.Home)
			_, err = a.stdout.Write(data)
			return err
		},
	}
}
