package policy

// BuiltinPolicies returns the built-in policy gates in evaluation order.
func BuiltinPolicies() []Policy {
	return []Policy{
		mandatoryTagsPolicy(),
		encryptionPolicy(),
		regionAllowlistPolicy(),
		instanceCapsPolicy(),
		publicExposurePolicy(),
	}
}

func mandatoryTagsPolicy() Policy {
	return Policy{
		Name:        "mandatory-tags",
		Description: "Every tag the target config marks mandatory is present",
		Rego: `package changeflow.gates.mandatory_tags

import rego.v1

deny contains msg if {
	some tag in input.config.mandatory_tags
	not has_tag(tag)
	msg := sprintf("missing mandatory tag: %s", [tag])
}

has_tag(tag) if {
	value := input.tags[tag]
	value != ""
}
`,
	}
}

func encryptionPolicy() Policy {
	return Policy{
		Name:        "encryption",
		Description: "Storage is encrypted when the target config requires it",
		Rego: `package changeflow.gates.encryption

import rego.v1

encryption_flags := ["encrypted", "storage_encrypted", "root_volume_encrypted"]

deny contains msg if {
	input.config.require_encryption
	some name, resource in input.resources
	some flag in encryption_flags
	resource[flag] == false
	msg := sprintf("resource %s is not encrypted (%s=false)", [name, flag])
}

deny contains msg if {
	input.config.require_encryption
	input.params.storage_encrypted == false
	msg := "parameter storage_encrypted must be true"
}
`,
	}
}

func regionAllowlistPolicy() Policy {
	return Policy{
		Name:        "region-allowlist",
		Description: "The target region is on the target config's allow-list",
		Rego: `package changeflow.gates.region_allowlist

import rego.v1

deny contains msg if {
	not input.region in input.config.allowed_regions
	msg := sprintf("region not permitted: %s", [input.region])
}
`,
	}
}

func instanceCapsPolicy() Policy {
	return Policy{
		Name:        "instance-caps",
		Description: "Instance types and counts stay within the target config's caps",
		Rego: `package changeflow.gates.instance_caps

import rego.v1

deny contains msg if {
	count(input.config.allowed_instance_types) > 0
	some key in ["instance_type", "instance_class"]
	kind := input.params[key]
	not kind in input.config.allowed_instance_types
	msg := sprintf("instance type not permitted: %s", [kind])
}

deny contains msg if {
	input.config.max_instance_count > 0
	n := input.params.instance_count
	n > input.config.max_instance_count
	msg := sprintf("instance count %v exceeds cap %v", [n, input.config.max_instance_count])
}
`,
	}
}

func publicExposurePolicy() Policy {
	return Policy{
		Name:        "public-exposure",
		Description: "No resource is publicly reachable unless the target config allows it",
		Rego: `package changeflow.gates.public_exposure

import rego.v1

deny contains msg if {
	not input.config.allow_public_exposure
	some name, resource in input.resources
	resource.public == true
	msg := sprintf("resource %s is publicly exposed", [name])
}
`,
	}
}
