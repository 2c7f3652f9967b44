// Package config reads loader setups from YAML.
//
// A file names the target machine, the runtime version, strong name and
// native image policy, and the binder's search paths:
//
//	machine: amd64
//	runtime_version: v4.0.30319
//	strong_name_bypass: false
//	native_images:
//	  disabled: false
//	  treat_as_il: false
//	trusted_platform_assemblies:
//	  - shared/*.dll
//	app_paths: [app]
//	native_image_paths: [ni]
//	profile_assemblies: [System.Runtime]
//	system_assembly: System.Private.CoreLib
//	log_level: debug
//
// NewEnvironment turns a Config into a binder and a loader.
package config
