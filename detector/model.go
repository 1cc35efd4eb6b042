package detector

// Vulnerability is one fixed-version condition of a CVE for a target. For
// OVAL targets PackageRef is the test id, for Red Hat it is the package name.
type Vulnerability struct {
	ID             int     `gorm:"primaryKey;not null"`
	CveID          string  `gorm:"type:varchar(80);not null;uniqueIndex:ux_vulnerability;index:ix_vulnerability_cve_id"`
	Target         string  `gorm:"type:varchar(40);not null;uniqueIndex:ux_vulnerability;index:ix_vulnerability_target"`
	TargetMinor    string  `gorm:"type:varchar(20);not null;default:'';uniqueIndex:ux_vulnerability"`
	PackageRef     string  `gorm:"not null;uniqueIndex:ux_vulnerability"`
	Package        string  `gorm:"index:ix_vulnerability_package"`
	CheckVars      bool    `gorm:"type:boolean"`
	Pending        bool    `gorm:"type:boolean"`
	Operation      string  `gorm:"type:varchar(40)"`
	OperationValue *string `gorm:"type:varchar(80)"`
}

type VulnerabilityInfo struct {
	ID                int    `gorm:"primaryKey;not null"`
	CveID             string `gorm:"type:varchar(80);not null;uniqueIndex:ux_vulnerability_info"`
	Target            string `gorm:"type:varchar(40);not null;uniqueIndex:ux_vulnerability_info;index:ix_vulnerability_info_target"`
	Title             string
	Severity          string `gorm:"type:varchar(40)"`
	Published         string `gorm:"type:varchar(40)"`
	Updated           string `gorm:"type:varchar(40)"`
	Reference         string
	Description       string
	Cvss              string `gorm:"type:varchar(10)"`
	Cvss3             string `gorm:"type:varchar(10)"`
	CvssVector        string `gorm:"type:varchar(80)"`
	Cvss3Vector       string `gorm:"type:varchar(80)"`
	Cwe               string `gorm:"type:varchar(80)"`
	Advisories        string
	BugzillaReference string
}

// DefinitionCriteria keeps the boolean expression of an OVAL definition as
// JSON.
type DefinitionCriteria struct {
	ID           int    `gorm:"primaryKey;not null"`
	DefinitionID string `gorm:"not null;uniqueIndex:ux_definition_criteria"`
	CveID        string `gorm:"type:varchar(80);index:ix_definition_criteria_cve_id"`
	Target       string `gorm:"type:varchar(40);not null;uniqueIndex:ux_definition_criteria"`
	Tree         string
}

type Variable struct {
	ID     int    `gorm:"primaryKey;not null"`
	VarID  string `gorm:"not null;index:ix_variable_var_id"`
	Value  string `gorm:"not null"`
	Target string `gorm:"type:varchar(40);not null;index:ix_variable_target"`
}

// Metadata records what was last imported for a target. Timestamp drives
// the short-circuit on unchanged feeds.
type Metadata struct {
	Target         string `gorm:"type:varchar(40);primaryKey"`
	ProductName    string
	ProductVersion string
	SchemaVersion  string
	Timestamp      string
}

type DBMetadata struct {
	ID      int `gorm:"primaryKey;not null"`
	Version int `gorm:"not null"`
}

type MSU struct {
	ID              int    `gorm:"primaryKey;not null"`
	CveID           string `gorm:"type:varchar(80);not null;index:ix_msu_cve_id"`
	Patch           string `gorm:"type:varchar(40);index:ix_msu_patch"`
	Product         string
	RestartRequired string `gorm:"type:varchar(20)"`
	Subtype         string
	Title           string
	URL             string
}

// NVDMatch is a flattened cpeMatch entry of an NVD configuration.
type NVDMatch struct {
	ID                    int    `gorm:"primaryKey;not null"`
	Year                  int    `gorm:"not null;index:ix_nvd_match_year"`
	CveID                 string `gorm:"type:varchar(80);not null;index:ix_nvd_match_cve_id"`
	Configuration         int
	ConfigurationOperator string `gorm:"type:varchar(5)"`
	ConfigurationNegate   bool   `gorm:"type:boolean"`
	Node                  int
	NodeOperator          string `gorm:"type:varchar(5)"`
	NodeNegate            bool   `gorm:"type:boolean"`
	Vulnerable            bool   `gorm:"type:boolean;check:vulnerable IN (0, 1)"`

	Part      string `gorm:"type:varchar(1)"`
	Vendor    string `gorm:"index:ix_nvd_match_product"`
	Product   string `gorm:"index:ix_nvd_match_product"`
	Version   string
	Update    string
	Edition   string
	Language  string
	SwEdition string
	TargetSw  string
	TargetHw  string
	Other     string

	VersionStartIncluding *string `gorm:"type:varchar(80)"`
	VersionStartExcluding *string `gorm:"type:varchar(80)"`
	VersionEndIncluding   *string `gorm:"type:varchar(80)"`
	VersionEndExcluding   *string `gorm:"type:varchar(80)"`
}

// CPEHelper is one dictionary rule. The rule order is kept through ID.
type CPEHelper struct {
	ID     int    `gorm:"primaryKey;not null;autoIncrement:false"`
	Target string `gorm:"type:varchar(40);not null;index:ix_cpe_helper_target"`
	Action uint32 `gorm:"not null"`

	Sources      []CPEHelperSource      `gorm:"foreignKey:HelperID"`
	Translations []CPEHelperTranslation `gorm:"foreignKey:HelperID"`
}

// CPEHelperSource is one regex alternative of a source field. Correlation is
// the index of the alternative list the pattern belongs to.
type CPEHelperSource struct {
	ID          int    `gorm:"primaryKey;not null"`
	HelperID    int    `gorm:"not null;index:ix_cpe_helper_source_helper_id"`
	Field       string `gorm:"type:varchar(20);not null"`
	Correlation int    `gorm:"not null"`
	Position    int    `gorm:"not null"`
	Pattern     string
}

type CPEHelperTranslation struct {
	ID           int    `gorm:"primaryKey;not null"`
	HelperID     int    `gorm:"not null;index:ix_cpe_helper_translation_helper_id"`
	Field        string `gorm:"type:varchar(20);not null"`
	Correlation  int    `gorm:"not null"`
	Position     int    `gorm:"not null"`
	Term         string
	CompareField string `gorm:"type:varchar(20)"`
	Condition    string
}

func models() []any {
	return []any{
		&Vulnerability{},
		&VulnerabilityInfo{},
		&DefinitionCriteria{},
		&Variable{},
		&Metadata{},
		&DBMetadata{},
		&MSU{},
		&NVDMatch{},
		&CPEHelper{},
		&CPEHelperSource{},
		&CPEHelperTranslation{},
	}
}
