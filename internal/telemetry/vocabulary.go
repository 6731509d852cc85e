package telemetry

type Vocabulary struct {
	Ranks       []string
	Units       []string
	BloodTypes  []string
	Allergies   []string
	Medications []string
	Conditions  []string
	Activities  []string
}

func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Ranks: []string{
			"Private First Class",
			"Corporal",
			"Sergeant",
			"Staff Sergeant",
			"Sergeant First Class",
		},
		Units: []string{
			"1st Infantry Division",
			"2nd Armored Division",
			"3rd Special Forces Group",
			"4th Military Police Battalion",
			"5th Marine Regiment",
		},
		BloodTypes:  []string{"A+", "A-", "B+", "B-", "O+", "O-", "AB+", "AB-"},
		Allergies:   []string{"Penicillin", "Sulfa", "Iodine", "Latex", "None"},
		Medications: []string{"None", "Ibuprofen", "Acetaminophen", "Antihistamine"},
		Conditions:  []string{"None", "Asthma", "Hypertension", "Type 1 Diabetes"},
		Activities: []string{
			"Patrolling area",
			"Investigating disturbance",
			"Securing perimeter",
			"Routine check",
			"Monitoring activity",
			"Standing guard",
			"Equipment check",
			"Radio check",
			"Surveillance duty",
			"Position report",
		},
	}
}
