// Package preflight реализует pre-flight валидацию run перед start.
//
// Validator проверяет samples, входные FASTQ и параметры анализа и
// возвращает domain.ValidationReport. Каждое замечание несёт
// стабильный код и подсказку по исправлению:
//
//	NO_SAMPLES, SAMPLE_NAME_DUPLICATE          — состав run
//	FASTQ_NOT_FOUND, FASTQ_EMPTY_FILE,
//	FASTQ_CORRUPT_GZIP, FASTQ_INVALID_FORMAT,
//	FILE_TOO_LARGE, UNSAFE_FILENAME            — входные файлы
//	PAIR_MISMATCH, PAIR_COUNT_MISMATCH,
//	PAIR_ID_MISMATCH                           — парные чтения
//	PRIMER_SCHEME_NOT_FOUND,
//	PRIMER_SCHEME_INVALID                      — amplicon
//	REFERENCE_NOT_FOUND                        — референс
//	METADATA_INVALID_VALUE                     — пороги анализа
//
// Предупреждения (SINGLE_END_READS, LOW_MIN_DEPTH, POTENTIAL_GAP, LOW_OVERLAP)
// start не блокируют.
//
// Проверки содержимого файлов выполняются только с Config.CheckFiles:
// API и оркестратор могут работать на разных машинах.
package preflight
